package model

import "time"

// Event is one DNS query after parsing.
type Event struct {
	Time     time.Time `json:"time"`
	ClientIP string    `json:"client_ip"`
	Domain   string    `json:"domain"`
	QType    string    `json:"qtype,omitempty"`
}

// Valid reports whether the event carries everything the feature builder needs.
func (e Event) Valid() bool {
	return !e.Time.IsZero() && e.ClientIP != "" && e.Domain != ""
}

// FeatureRow is the summary of one device over one time bucket.
type FeatureRow struct {
	ClientIP       string    `json:"client_ip"`
	Minute         time.Time `json:"minute"`
	QPM            int       `json:"qpm"`
	Uniq           int       `json:"uniq"`
	AvgLen         float64   `json:"avg_len"`
	LenStd         float64   `json:"len_std"`
	TopDomainRatio float64   `json:"top_domain_ratio"`
	ShannonEntropy float64   `json:"shannon_entropy"`
	NewDomainRatio float64   `json:"new_domain_ratio"`
	KLDivergence   float64   `json:"KL_divergence"`
}

// NumFeatures is the width of the vector returned by FeatureRow.Vector.
const NumFeatures = 8

// Vector returns the numeric features in table column order.
func (r FeatureRow) Vector() []float64 {
	return []float64{
		float64(r.QPM),
		float64(r.Uniq),
		r.AvgLen,
		r.LenStd,
		r.TopDomainRatio,
		r.ShannonEntropy,
		r.NewDomainRatio,
		r.KLDivergence,
	}
}

// ScoredRow is a feature row plus the detector output for it.
type ScoredRow struct {
	FeatureRow
	Score           float64 `json:"score"`
	Mahalanobis     float64 `json:"Mahalanobis"`
	NormScore       float64 `json:"norm_score"`
	NormMahalanobis float64 `json:"norm_Mahalanobis"`
	CombinedScore   float64 `json:"combined_score"`
	PC1             float64 `json:"pc1"`
	PC2             float64 `json:"pc2"`
}
