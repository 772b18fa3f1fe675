package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-s2s/internal/audio"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
)

const (
	msgMessageRequired = "Message is required"
	msgChatFailed      = "AI request failed"
	msgAudioRequired   = "Audio file required"
	msgAudioFailed     = "Failed to process audio"
	msgAudioTooLarge   = "Audio file too large"
	msgInvalidJSON     = "Invalid JSON body"

	sessionHeader = "X-Session-ID"
	audioField    = "audio"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type ttsFile struct {
	Data     string `json:"data"`
	Type     string `json:"type"`
	FileName string `json:"fileName"`
}

type speechResponse struct {
	Success       bool     `json:"success"`
	RequestID     string   `json:"requestId"`
	SessionID     string   `json:"sessionId"`
	Uploaded      string   `json:"uploaded"`
	Transcription string   `json:"transcription"`
	AIReply       string   `json:"aiReply"`
	TTSFile       *ttsFile `json:"ttsFile,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, msgMessageRequired)
		return
	}

	reply, err := h.turner.Chat(r.Context(), sessionID(r, req.SessionID), req.Message)
	if err != nil {
		if pipeline.KindOf(err) == pipeline.KindValidation {
			writeError(w, http.StatusBadRequest, msgMessageRequired)
			return
		}
		h.logger.Error("chat failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msgChatFailed)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

func (h *handler) speechToSpeech(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgAudioTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, msgAudioRequired)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(audioField)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgAudioRequired)
		return
	}
	defer file.Close()

	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	uploaded, err := h.saveUpload(requestID, header.Filename, file)
	if err != nil {
		h.logger.Error("failed to store upload", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msgAudioFailed)
		return
	}
	h.logger.Info("audio uploaded", slog.String("request_id", requestID), slog.String("path", uploaded), slog.Int64("bytes", header.Size))

	result, err := h.turner.Run(r.Context(), pipeline.TurnRequest{
		RequestID: requestID,
		SessionID: sessionID(r, r.FormValue("session_id")),
		Input:     audio.Artifact{Name: header.Filename, Format: audio.FormatCompressed, Path: uploaded},
	})
	if err != nil {
		h.logger.Error("speech turn failed",
			slog.String("request_id", requestID),
			slog.String("kind", string(pipeline.KindOf(err))),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msgAudioFailed)
		return
	}

	resp := speechResponse{
		Success:       true,
		RequestID:     result.RequestID,
		SessionID:     result.SessionID,
		Uploaded:      result.Uploaded,
		Transcription: result.Transcription,
		AIReply:       result.Reply,
	}
	if result.Audio != nil {
		data, err := os.ReadFile(result.Audio.Artifact.Path)
		if err != nil {
			h.logger.Error("failed to read speech artifact", slog.String("request_id", requestID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, msgAudioFailed)
			return
		}
		resp.TTSFile = &ttsFile{
			Data:     base64.StdEncoding.EncodeToString(data),
			Type:     result.Audio.MIMEType,
			FileName: result.Audio.FileName,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) saveUpload(requestID, original string, src io.Reader) (string, error) {
	if err := os.MkdirAll(h.opts.UploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	path := filepath.Join(h.opts.UploadsDir, requestID+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	return path, nil
}

func sessionID(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(sessionHeader))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
