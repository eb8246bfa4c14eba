package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type SpeechConfig struct {
	Region        string
	VoiceID       string
	Engine        string
	Timeout       time.Duration
	OutputDir     string
	RatePerSecond float64
}

// Speech synthesizes the delivery text with Amazon Polly and stores the audio in
// OutputDir for the device to play. Polly bills per character, so Units counts runes.
type Speech struct {
	mu      sync.Mutex
	client  synthClient
	cfg     SpeechConfig
	limiter *rate.Limiter
}

func NewSpeech(cfg SpeechConfig) *Speech {
	return NewSpeechWithClient(cfg, nil)
}

func NewSpeechWithClient(cfg SpeechConfig, client synthClient) *Speech {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	s := &Speech{client: client, cfg: cfg}
	if cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return s
}

// Units is the number of characters Polly will bill for d.
func (s *Speech) Units(d Delivery) int64 {
	return int64(utf8.RuneCountInString(d.Text()))
}

func (s *Speech) Deliver(ctx context.Context, d Delivery) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("speech rate limit: %w", err)
		}
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return err
	}
	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	text := d.Text()
	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.cfg.VoiceID),
	})
	if err != nil {
		return describePollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return errors.New("polly returned no audio")
	}
	defer out.AudioStream.Close()

	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("%s-%s.mp3", d.Action.ID, d.Kind))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.AudioStream); err != nil {
		f.Close()
		return fmt.Errorf("write audio %s: %w", path, err)
	}
	return f.Close()
}

func describePollyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("polly %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("polly: %w", err)
}

func (s *Speech) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}
