package consensus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvote/api/internal/model"
)

func TestRegistryKey(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name     string
		taskType model.TaskType
		payload  string
		want     string
	}{
		{"translation approved", model.TaskTypeTranslationCheck, `{"approved":true}`, "approved"},
		{"translation edit normalized", model.TaskTypeTranslationCheck, `{"approved":false,"edit":"  Hola Mundo "}`, "edit:hola mundo"},
		{"accent", model.TaskTypeAccentTag, `{"speaker":"S1","region":"US-South"}`, "s1|us-south"},
		{"emotion", model.TaskTypeEmotionTag, `{"speaker":"S2","emotion_primary":"Joy","notes":"ignored"}`, "s2|joy"},
		{"gesture sorted distinct", model.TaskTypeGestureTag, `{"events":[{"t":1.2,"label":"Wave"},{"t":0.4,"label":"nod"},{"t":2,"label":"wave"}]}`, "nod,wave"},
		{"gesture empty", model.TaskTypeGestureTag, `{"events":[]}`, "none"},
		{"safety", model.TaskTypeSafetyFlag, `{"flag":"SAFE"}`, "safe"},
		{"continuity", model.TaskTypeSpeakerContinuity, `{"speaker":"S1","same_as_clip":"clip-9"}`, "s1|clip-9"},
		{"continuity without clip", model.TaskTypeSpeakerContinuity, `{"speaker":"S1"}`, "s1|"},
		{"unknown type uses canonical json", model.TaskType("custom"), `{"b":2, "a":[1, "x"]}`, `{"a":[1,"x"],"b":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Key(tt.taskType, json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryKey_NFC(t *testing.T) {
	r := NewRegistry()
	composed, err := r.Key(model.TaskTypeSafetyFlag, json.RawMessage(`{"flag":"caf\u00e9"}`))
	require.NoError(t, err)
	decomposed, err := r.Key(model.TaskTypeSafetyFlag, json.RawMessage(`{"flag":"cafe\u0301"}`))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestRegistryKey_Malformed(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name     string
		taskType model.TaskType
		payload  string
	}{
		{"empty", model.TaskTypeSafetyFlag, ``},
		{"null", model.TaskTypeSafetyFlag, `null`},
		{"not json", model.TaskTypeSafetyFlag, `{flag}`},
		{"missing field", model.TaskTypeAccentTag, `{"speaker":"S1"}`},
		{"wrong shape", model.TaskTypeEmotionTag, `["joy"]`},
		{"translation missing approved", model.TaskTypeTranslationCheck, `{"edit":"x"}`},
		{"translation rejected without edit", model.TaskTypeTranslationCheck, `{"approved":false}`},
		{"gesture without label", model.TaskTypeGestureTag, `{"events":[{"t":1}]}`},
		{"fallback invalid json", model.TaskType("custom"), `{"a":}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Key(tt.taskType, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrValidation), "got %v", err)
		})
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	r.Register(model.TaskTypeSafetyFlag, CanonicalizerFunc(func(json.RawMessage) (string, error) {
		return "fixed", nil
	}))
	got, err := r.Key(model.TaskTypeSafetyFlag, json.RawMessage(`{"flag":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "fixed", got)
}
