// Package boundary implements C3: a pure, deterministic decision over
// whether the buffered tail plus an incoming probe message forms a closed
// episode ready for extraction.
package boundary

import (
	"strings"
	"time"

	"evermem/internal/domain"
)

// Config holds the boundary-detection tunables.
type Config struct {
	MaxBuffer       int
	GapHours        int
	TopicDivergence float64
	SceneDelimiters []string
	DefaultTimezone string
}

// DefaultConfig returns the stated production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBuffer:       200,
		GapHours:        4,
		TopicDivergence: 0.8,
		DefaultTimezone: "UTC",
	}
}

// Decision is the outcome of evaluating the buffer+probe against the rules.
type Decision struct {
	Fire   bool
	Forced bool
	Rule   string
}

// Detector evaluates the four top-down boundary rules in priority order. It holds no
// I/O handles and is safe for concurrent use.
type Detector struct {
	cfg Config
}

// New constructs a Detector with cfg; zero-value fields fall back to
// DefaultConfig's values.
func New(cfg Config) *Detector {
	d := DefaultConfig()
	if cfg.MaxBuffer > 0 {
		d.MaxBuffer = cfg.MaxBuffer
	}
	if cfg.GapHours > 0 {
		d.GapHours = cfg.GapHours
	}
	if cfg.TopicDivergence > 0 {
		d.TopicDivergence = cfg.TopicDivergence
	}
	if len(cfg.SceneDelimiters) > 0 {
		d.SceneDelimiters = cfg.SceneDelimiters
	}
	if cfg.DefaultTimezone != "" {
		d.DefaultTimezone = cfg.DefaultTimezone
	}
	return &Detector{cfg: d}
}

// Evaluate decides whether to fire a boundary before probe is appended to
// buffer. buffer must be in creation order; probe may be nil to ask
// "should an empty-probe force-flush fire" (only rule 1 can match).
func (d *Detector) Evaluate(buffer []domain.Message, probe *domain.Message) Decision {
	if len(buffer) == 0 {
		return Decision{}
	}

	if len(buffer) >= d.cfg.MaxBuffer {
		return Decision{Fire: true, Forced: true, Rule: "force_flush"}
	}

	if probe == nil {
		return Decision{}
	}

	tail := buffer[len(buffer)-1]
	loc := d.location()

	if probe.CreateTime.In(loc).Format("2006-01-02") != tail.CreateTime.In(loc).Format("2006-01-02") {
		return Decision{Fire: true, Rule: "date_change"}
	}

	gap := probe.CreateTime.Sub(tail.CreateTime)
	if gap >= time.Duration(d.cfg.GapHours)*time.Hour {
		if d.topicDivergence(buffer, probe.Content) >= d.cfg.TopicDivergence {
			return Decision{Fire: true, Rule: "gap_topic_switch"}
		}
	}

	if d.matchesSceneDelimiter(probe.Content) {
		return Decision{Fire: true, Rule: "scene_signal"}
	}

	return Decision{}
}

func (d *Detector) location() *time.Location {
	loc, err := time.LoadLocation(d.cfg.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (d *Detector) matchesSceneDelimiter(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range d.cfg.SceneDelimiters {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// topicDivergence scores probeContent against the tail window (last few
// buffer messages) as the Jaccard distance between stopword-filtered token
// sets: 1 - |intersection|/|union|. A fully disjoint vocabulary scores 1.0;
// identical vocabulary scores 0.0.
func (d *Detector) topicDivergence(buffer []domain.Message, probeContent string) float64 {
	if len(buffer) < 2 {
		return 0
	}
	const tailWindow = 3
	start := len(buffer) - tailWindow
	if start < 0 {
		start = 0
	}
	var windowText strings.Builder
	for _, m := range buffer[start:] {
		windowText.WriteString(m.Content)
		windowText.WriteString(" ")
	}

	a := tokenSet(windowText.String())
	b := tokenSet(probeContent)
	return jaccardDistance(a, b)
}

func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		if tok == "" || stopwords[tok] {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func jaccardDistance(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return 1 - float64(intersection)/float64(union)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "to": true, "of": true, "and": true,
	"in": true, "on": true, "at": true, "for": true, "with": true, "it": true,
	"this": true, "that": true, "i": true, "you": true, "we": true, "they": true,
	"he": true, "she": true, "do": true, "does": true, "did": true, "have": true,
	"has": true, "had": true, "will": true, "would": true, "can": true, "could": true,
}
