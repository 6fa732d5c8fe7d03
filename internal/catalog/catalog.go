package catalog

// Disease is one entry of the reference catalog served by GET /diseases.
type Disease struct {
	Disease   string   `json:"disease"`
	Symptoms  []string `json:"symptoms"`
	Treatment string   `json:"treatment"`
}

var diseases = []Disease{
	{
		Disease:   "Salmonella",
		Symptoms:  []string{"Diarrhea", "Fever", "Abdominal cramps"},
		Treatment: "Hydration, antibiotics as prescribed",
	},
	{
		Disease:   "Coccidiosis",
		Symptoms:  []string{"Lethargy", "Loss of appetite", "Bloody stools"},
		Treatment: "Coccidiostats and supportive care",
	},
	{
		Disease:   "New Castle Disease",
		Symptoms:  []string{"Loss of appetite", "Respiratory distress", "Diarrhea"},
		Treatment: "Vaccination and supportive care",
	},
	{
		Disease:   "Healthy",
		Symptoms:  []string{"No visible symptoms"},
		Treatment: "Maintain good hygiene and nutrition",
	},
}

// Diseases returns a copy of the catalog so callers cannot alter the shared data.
func Diseases() []Disease {
	out := make([]Disease, len(diseases))
	for i, d := range diseases {
		d.Symptoms = append([]string(nil), d.Symptoms...)
		out[i] = d
	}
	return out
}
