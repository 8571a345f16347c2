package peering

import "github.com/jibun-social/jibun/models"

// Summary is the public stats document a peer serves at /api/connect. The
// count fields are pointers so that presence can be told apart from zero:
// which family of fields is present is what identifies the peer's protocol.
type Summary struct {
	ServerName  string `json:"server_name"`
	ServerURL   string `json:"server_url"`
	Logo        string `json:"logo"`
	SysUsername string `json:"sys_username"`

	TotalMoments *int64 `json:"total_moments,omitempty"`
	TodayMoments *int64 `json:"today_moments,omitempty"`
	TotalEchos   *int64 `json:"total_echos,omitempty"`
	TodayEchos   *int64 `json:"today_echos,omitempty"`
}

// Classifier maps a peer's summary shape to an instance type.
type Classifier interface {
	Classify(sum *Summary) models.InstanceType
}

type shapeRule struct {
	instanceType models.InstanceType
	matches      func(*Summary) bool
}

// ShapeClassifier is the duck-typed heuristic made explicit: an ordered rule
// table from stat-field family to instance type. Supporting a third federated
// instance type means appending a rule here, nothing else.
type ShapeClassifier struct {
	rules []shapeRule
}

func NewShapeClassifier() *ShapeClassifier {
	return &ShapeClassifier{
		rules: []shapeRule{
			{models.InstanceSame, func(s *Summary) bool {
				return s.TotalMoments != nil || s.TodayMoments != nil
			}},
			{models.InstanceForeign, func(s *Summary) bool {
				return s.TotalEchos != nil || s.TodayEchos != nil
			}},
		},
	}
}

func (c *ShapeClassifier) Classify(sum *Summary) models.InstanceType {
	if sum == nil {
		return models.InstanceUnknown
	}
	for _, rule := range c.rules {
		if rule.matches(sum) {
			return rule.instanceType
		}
	}
	return models.InstanceUnknown
}

// Normalize maps the foreign naming onto the native vocabulary so aggregated
// results speak a single language. Missing fields become zero counts.
func (s *Summary) Normalize() *Summary {
	out := *s
	if out.TotalMoments == nil {
		out.TotalMoments = orZero(out.TotalEchos)
	}
	if out.TodayMoments == nil {
		out.TodayMoments = orZero(out.TodayEchos)
	}
	out.TotalEchos = nil
	out.TodayEchos = nil
	return &out
}

func orZero(v *int64) *int64 {
	if v != nil {
		return v
	}
	zero := int64(0)
	return &zero
}
