package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// codeLanguageRejected is the error code of a 422 transcription response for
// speech that is not in the required language.
const codeLanguageRejected = "language_rejected"

// transcribeResponse is the body of a successful transcription.
type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe uploads a recorded WAV utterance to the service's transcription
// endpoint. Speech in a language the service rejects yields an error
// matching [stt.ErrLanguageRejected].
func (c *Client) Transcribe(ctx context.Context, wav []byte) (stt.Transcript, error) {
	const op = "transcribe"
	if len(wav) == 0 {
		return stt.Transcript{IsFinal: true}, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "answer.wav")
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("protocol: %s: build form: %w", op, err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Transcript{}, fmt.Errorf("protocol: %s: build form: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("protocol: %s: build form: %w", op, err)
	}

	var tr transcribeResponse
	err = c.do(ctx, op, routeTransc, mw.FormDataContentType(), buf.Bytes(), false, func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return fmt.Errorf("protocol: %s: decode response: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(tr.Text),
		IsFinal:  true,
		Language: tr.Language,
	}, nil
}
