package config_test

import (
	"strings"
	"testing"

	"github.com/voximply/gridtalk/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2
  tts:
    name: elevenlabs
    api_key: el-test
    model: eleven_multilingual_v2
  audio:
    name: meet
session:
  language: en-US
  endpointing_ms: 300
  utterance_end_ms: 1000
  allow_barge_in: true
  board_context: true
  voice:
    provider: elevenlabs
    voice_id: vx-42
    stability: 0.71
    similarity_boost: 0.5
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.STT.Model != "nova-2" {
		t.Errorf("stt model = %q", cfg.Providers.STT.Model)
	}
	if !cfg.Session.AllowBargeIn || !cfg.Session.BoardContext {
		t.Errorf("session toggles = %+v", cfg.Session)
	}
	if cfg.Session.Voice.Stability != 0.71 {
		t.Errorf("voice stability = %v", cfg.Session.Voice.Stability)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm:
    name: openai
  stt:
    name: deepgram
  tts:
    name: elevenlabs
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Session.EndpointingMS != config.DefaultEndpointingMS {
		t.Errorf("endpointing_ms = %d, want %d", cfg.Session.EndpointingMS, config.DefaultEndpointingMS)
	}
	if cfg.Session.UtteranceEndMS != config.DefaultUtteranceEndMS {
		t.Errorf("utterance_end_ms = %d, want %d", cfg.Session.UtteranceEndMS, config.DefaultUtteranceEndMS)
	}
	if cfg.Session.Language != config.DefaultLanguage {
		t.Errorf("language = %q, want %q", cfg.Session.Language, config.DefaultLanguage)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_address: ":8080"
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "log_level",
		},
		{
			name:    "negative endpointing",
			yaml:    "session:\n  endpointing_ms: -50\n",
			wantErr: "endpointing_ms",
		},
		{
			name:    "utterance end shorter than endpointing",
			yaml:    "session:\n  endpointing_ms: 800\n  utterance_end_ms: 400\n",
			wantErr: "utterance_end_ms",
		},
		{
			name:    "stability out of range",
			yaml:    "session:\n  voice:\n    stability: 1.5\n",
			wantErr: "stability",
		},
		{
			name:    "similarity out of range",
			yaml:    "session:\n  voice:\n    similarity_boost: -0.1\n",
			wantErr: "similarity_boost",
		},
		{
			name:    "speed factor out of range",
			yaml:    "session:\n  voice:\n    speed_factor: 3.0\n",
			wantErr: "speed_factor",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %v does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: shouting
session:
  endpointing_ms: -1
  voice:
    stability: 2
`))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{"log_level", "endpointing_ms", "stability"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}
