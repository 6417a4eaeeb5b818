package domain

// Classification labels the outcome of comparing a destination's new
// trace against the last applied one.
type Classification string

const (
	// ClassificationNone means nothing happened: an expiry for a
	// destination the engine never saw.
	ClassificationNone Classification = "none"
	// ClassificationNewPath is the first observation for a destination
	ClassificationNewPath Classification = "new_path"
	// ClassificationUnchanged means the path is identical; no mutation
	ClassificationUnchanged Classification = "unchanged"
	// ClassificationChanged means at least one hop differs
	ClassificationChanged Classification = "changed"
	// ClassificationExpired means the destination is no longer active
	ClassificationExpired Classification = "expired"
)
