package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/clipvote/api/internal/model"
)

// Canonicalizer reduces a vote payload to the key votes are grouped by.
type Canonicalizer interface {
	Key(payload json.RawMessage) (string, error)
}

// CanonicalizerFunc adapts a function to Canonicalizer.
type CanonicalizerFunc func(payload json.RawMessage) (string, error)

func (f CanonicalizerFunc) Key(payload json.RawMessage) (string, error) { return f(payload) }

// Registry dispatches canonicalization by task type. Unregistered types use
// RFC 8785 canonical JSON.
type Registry struct {
	byType   map[model.TaskType]Canonicalizer
	fallback Canonicalizer
}

var validate = validator.New()

// NewRegistry returns a registry with a canonicalizer for every known task type.
func NewRegistry() *Registry {
	r := &Registry{
		byType:   make(map[model.TaskType]Canonicalizer),
		fallback: CanonicalizerFunc(canonicalJSON),
	}
	r.Register(model.TaskTypeTranslationCheck, CanonicalizerFunc(translationKey))
	r.Register(model.TaskTypeAccentTag, CanonicalizerFunc(accentKey))
	r.Register(model.TaskTypeEmotionTag, CanonicalizerFunc(emotionKey))
	r.Register(model.TaskTypeGestureTag, CanonicalizerFunc(gestureKey))
	r.Register(model.TaskTypeSafetyFlag, CanonicalizerFunc(safetyKey))
	r.Register(model.TaskTypeSpeakerContinuity, CanonicalizerFunc(continuityKey))
	return r
}

// Register sets the canonicalizer for a task type, replacing any existing one.
func (r *Registry) Register(t model.TaskType, c Canonicalizer) {
	r.byType[t] = c
}

// Key canonicalizes payload for a task type. Malformed payloads yield
// model.ErrValidation.
func (r *Registry) Key(t model.TaskType, payload json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", model.ErrValidation.WithMessage("payload is required")
	}
	c, ok := r.byType[t]
	if !ok {
		c = r.fallback
	}
	return c.Key(trimmed)
}

// NormalizeText applies NFC normalization, trims and lower-cases s.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// decode unmarshals payload into dst and runs its validate tags.
func decode(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return model.ErrValidation.WithMessage("invalid payload: " + err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return model.ErrValidation.WithMessage("invalid payload: " + err.Error())
	}
	return nil
}

func canonicalJSON(payload json.RawMessage) (string, error) {
	out, err := jcs.Transform(payload)
	if err != nil {
		return "", model.ErrValidation.WithMessage("invalid payload: " + err.Error())
	}
	return string(out), nil
}

type translationPayload struct {
	Approved *bool  `json:"approved" validate:"required"`
	Edit     string `json:"edit"`
}

func translationKey(payload json.RawMessage) (string, error) {
	var p translationPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	if *p.Approved {
		return "approved", nil
	}
	edit := NormalizeText(p.Edit)
	if edit == "" {
		return "", model.ErrValidation.WithMessage("edit is required when not approved")
	}
	return "edit:" + edit, nil
}

type accentPayload struct {
	Speaker string `json:"speaker" validate:"required"`
	Region  string `json:"region" validate:"required"`
}

func accentKey(payload json.RawMessage) (string, error) {
	var p accentPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	return NormalizeText(p.Speaker) + "|" + NormalizeText(p.Region), nil
}

type emotionPayload struct {
	Speaker        string `json:"speaker" validate:"required"`
	EmotionPrimary string `json:"emotion_primary" validate:"required"`
}

func emotionKey(payload json.RawMessage) (string, error) {
	var p emotionPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	return NormalizeText(p.Speaker) + "|" + NormalizeText(p.EmotionPrimary), nil
}

type gestureEvent struct {
	T     float64 `json:"t" validate:"gte=0"`
	Label string  `json:"label" validate:"required"`
}

type gesturePayload struct {
	Events []gestureEvent `json:"events" validate:"dive"`
}

// noGestures is the key of a gesture payload with no events.
const noGestures = "none"

func gestureKey(payload json.RawMessage) (string, error) {
	var p gesturePayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	seen := make(map[string]struct{}, len(p.Events))
	labels := make([]string, 0, len(p.Events))
	for _, e := range p.Events {
		l := NormalizeText(e.Label)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}
	if len(labels) == 0 {
		return noGestures, nil
	}
	sort.Strings(labels)
	return strings.Join(labels, ","), nil
}

type safetyPayload struct {
	Flag string `json:"flag" validate:"required"`
}

func safetyKey(payload json.RawMessage) (string, error) {
	var p safetyPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	return NormalizeText(p.Flag), nil
}

type continuityPayload struct {
	Speaker    string `json:"speaker" validate:"required"`
	SameAsClip string `json:"same_as_clip"`
}

func continuityKey(payload json.RawMessage) (string, error) {
	var p continuityPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s", NormalizeText(p.Speaker), NormalizeText(p.SameAsClip)), nil
}
