package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/loqalabs/loqa-s2s/internal/audio"
	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
	"github.com/loqalabs/loqa-s2s/internal/runtime"
	"github.com/loqalabs/loqa-s2s/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'clean', 'turn' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "clean":
		err = runClean(os.Stdin, os.Stdout)
	case "turn":
		err = runTurn(context.Background(), os.Args[2:], os.Stdout, os.Stderr)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = godotenv.Load()
	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Fprintln(out, "config valid")
	return nil
}

// runClean strips recognizer timestamps from stdin.
func runClean(in io.Reader, out io.Writer) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	fmt.Fprintln(out, stt.Clean(string(raw)))
	return nil
}

type turnOutput struct {
	RequestID     string `json:"requestId"`
	SessionID     string `json:"sessionId"`
	Transcription string `json:"transcription"`
	AIReply       string `json:"aiReply"`
	Audio         string `json:"audio,omitempty"`
	Type          string `json:"type,omitempty"`
}

// runTurn pushes one recording through the pipeline without the HTTP layer.
func runTurn(ctx context.Context, args []string, out, logOut io.Writer) error {
	fs := flag.NewFlagSet("turn", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	audioPath := fs.String("audio", "", "Recording to process")
	session := fs.String("session", "", "Conversation session id")
	verbose := fs.Bool("v", false, "Log pipeline progress to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*audioPath) == "" {
		return errors.New("-audio is required")
	}
	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	orch, _, err := runtime.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}
	res, err := orch.Run(ctx, pipeline.TurnRequest{
		RequestID: uuid.NewString(),
		SessionID: *session,
		Input:     audio.Artifact{Name: filepath.Base(*audioPath), Format: audio.FormatCompressed, Path: *audioPath},
	})
	if err != nil {
		return fmt.Errorf("turn failed (%s): %w", pipeline.KindOf(err), err)
	}

	result := turnOutput{
		RequestID:     res.RequestID,
		SessionID:     res.SessionID,
		Transcription: res.Transcription,
		AIReply:       res.Reply,
	}
	if res.Audio != nil {
		result.Audio = res.Audio.Artifact.Path
		result.Type = res.Audio.MIMEType
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
