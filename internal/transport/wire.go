/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package transport

import (
	"encoding/json"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-live-go/internal/audio"
)

// Live protocol messages. Only the fields a voice session needs are modelled.

type setupMessage struct {
	Setup liveSetup `json:"setup"`
}

type liveSetup struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType,omitempty"`
}

type clientMessage struct {
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
}

type realtimeInput struct {
	Media blob `json:"media"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Interrupted   bool             `json:"interrupted,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *content `json:"modelTurn,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

func (e *serverError) err() error {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "remote endpoint reported an unknown error"
	}
	if e.Code != 0 {
		return fmt.Errorf("%s (code %d)", msg, e.Code)
	}
	return fmt.Errorf("%s", msg)
}

func newSetupMessage(cfg Config) setupMessage {
	model := cfg.Model
	if !strings.Contains(model, "/") {
		model = "models/" + model
	}

	msg := setupMessage{Setup: liveSetup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	return msg
}

func newAudioMessage(frame Frame) clientMessage {
	return clientMessage{RealtimeInput: &realtimeInput{Media: blob{
		Data:     audio.ToTransportText(frame.PCM),
		MIMEType: frame.MIMEType(),
	}}}
}

// decodeServerMessage turns one server message into events, in the order
// they appear in the message. ready reports a setup acknowledgment.
func decodeServerMessage(payload []byte, defaultRate int) (events []Event, ready bool, err error) {
	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnsupportedFrame, err)
	}

	if msg.Error != nil {
		return []Event{{Kind: EventError, Err: &TransportError{Op: "remote", Err: msg.Error.err()}}}, false, nil
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || !isAudioMIME(p.InlineData.MIMEType) {
					continue
				}
				data, decodeErr := audio.FromTransportText(p.InlineData.Data)
				events = append(events, audioEvent(data, decodeErr, p.InlineData.MIMEType, defaultRate))
			}
		}
		if sc.Interrupted {
			events = append(events, Event{Kind: EventInterrupted})
		}
	}
	if msg.Interrupted {
		events = append(events, Event{Kind: EventInterrupted})
	}
	if msg.GoAway != nil {
		reason := "remote endpoint going away"
		if msg.GoAway.TimeLeft != "" {
			reason += " in " + msg.GoAway.TimeLeft
		}
		events = append(events, Event{Kind: EventClosed, Reason: reason})
	}
	return events, msg.SetupComplete != nil, nil
}

func audioEvent(data []byte, decodeErr error, mimeType string, defaultRate int) Event {
	ev := Event{Kind: EventAudio, SampleRate: sampleRateFromMIME(mimeType, defaultRate)}
	if decodeErr != nil {
		ev.Err = decodeErr
		return ev
	}
	ev.Audio = data
	return ev
}

// isAudioMIME accepts PCM parts and parts with no type at all.
func isAudioMIME(mimeType string) bool {
	return mimeType == "" || strings.HasPrefix(mimeType, "audio/")
}

func sampleRateFromMIME(mimeType string, fallback int) int {
	if mimeType == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}
