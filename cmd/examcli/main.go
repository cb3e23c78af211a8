package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/examgen-backend/internal/config"
	"github.com/stemsi/examgen-backend/internal/logger"
	"github.com/stemsi/examgen-backend/internal/service"
	"github.com/stemsi/examgen-backend/pkg/examclient"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examcli",
		Short:        "Development client for the ExamGen session API",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "pretty", "Log format (pretty, json)")
	root.AddCommand(tokenCmd(), runCmd())
	return root
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token with the server's JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	cmd.Flags().Duration("expiry", 0, "Token lifetime (default JWT_EXPIRY_HOURS)")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Take a full session as a simulated candidate",
		RunE:  runSession,
	}
	f := cmd.Flags()
	f.String("api", "http://localhost:8080", "API base URL")
	f.String("token", os.Getenv("EXAMGEN_TOKEN"), "Bearer token (or set EXAMGEN_TOKEN)")
	f.String("track", "scientific", "Exam track (scientific, literary)")
	f.String("kind", "practice", "Session kind (exam, practice)")
	f.Duration("think", 500*time.Millisecond, "Time spent on each question")
	f.Float64("skip", 0.1, "Fraction of questions left unanswered")
	return cmd
}

func cmdLogger(cmd *cobra.Command) zerolog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return logger.Setup(level, format)
}

// ─── token ────────────────────────────────────────────────────────────

func runToken(cmd *cobra.Command, args []string) error {
	userID, err := strconv.Atoi(args[0])
	if err != nil || userID <= 0 {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	cfg := config.Load()
	expiry, _ := cmd.Flags().GetDuration("expiry")
	if expiry <= 0 {
		expiry = cfg.JWTExpiry
	}

	token, err := service.NewAuthService(cfg.JWTSecret, expiry).IssueToken(userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// ─── run ──────────────────────────────────────────────────────────────

type candidate struct {
	api    *examclient.Client
	queue  *examclient.Queue
	timer  *examclient.Timer
	log    zerolog.Logger
	think  time.Duration
	skip   float64
	expire chan struct{}
}

func runSession(cmd *cobra.Command, _ []string) error {
	log := cmdLogger(cmd)
	f := cmd.Flags()
	apiURL, _ := f.GetString("api")
	token, _ := f.GetString("token")
	track, _ := f.GetString("track")
	kind, _ := f.GetString("kind")
	think, _ := f.GetDuration("think")
	skip, _ := f.GetFloat64("skip")
	if token == "" {
		return errors.New("a token is required, see `examcli token`")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := examclient.New(apiURL, token)
	started, err := api.StartSession(ctx, track, kind)
	if err != nil {
		var apiErr *examclient.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "GENERATION_UNAVAILABLE" {
			return fmt.Errorf("start session: %w", err)
		}
		// The session exists but its first batch failed; the retry loop below picks it up.
		log.Warn().Err(err).Msg("First batch unavailable, retrying")
	}

	var sessionID string
	if started != nil {
		sessionID = started.Session.ID
	} else if id, ok := unavailableSession(err); ok {
		sessionID = id
	} else {
		return fmt.Errorf("start session: %w", err)
	}
	log = log.With().Str("session_id", sessionID).Logger()

	state, err := api.State(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	log.Info().
		Int("total_questions", state.Session.TotalQuestions).
		Int("total_batches", state.TotalBatches).
		Int("remaining_seconds", state.RemainingTimeSeconds).
		Msg("Session started")

	c := &candidate{
		api:    api,
		log:    log,
		think:  think,
		skip:   skip,
		expire: make(chan struct{}),
	}
	c.queue = examclient.NewQueue(api.SessionSaver(sessionID), examclient.QueueConfig{
		Logger: &log,
		OnPersistentFailure: func(err error, failures int) {
			log.Error().Err(err).Int("failures", failures).Msg("Answers are not being saved")
		},
	})
	defer c.queue.Close()

	c.timer = examclient.NewTimer(time.Duration(state.RemainingTimeSeconds)*time.Second, examclient.TimerConfig{
		OnEvent: c.onTimerEvent,
	})

	monitor := examclient.NewMonitor(api, examclient.MonitorConfig{Logger: &log})
	updates := monitor.Subscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go monitor.Run(runCtx)
	go c.timer.Run(runCtx)
	go func() {
		for st := range updates {
			c.timer.SetNetwork(st.Online)
			c.queue.SetOnline(st.Online)
		}
	}()

	if err := c.answerAll(runCtx, sessionID, state); err != nil && !errors.Is(err, errTimeUp) {
		return err
	}

	if err := c.queue.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("Final flush failed")
	}
	remaining := int(c.timer.Remaining() / time.Second)
	if _, err := api.Complete(ctx, sessionID, &remaining); err != nil {
		// An expired session is completed by the server on its next read.
		var apiErr *examclient.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_STATE" {
			return fmt.Errorf("complete session: %w", err)
		}
	}

	results, err := c.waitResults(ctx, sessionID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

var errTimeUp = errors.New("time is up")

func (c *candidate) onTimerEvent(ev examclient.TimerEvent) {
	switch ev.Type {
	case examclient.EventExpired:
		c.log.Warn().Msg("Time is up")
		close(c.expire)
	case examclient.EventDisconnected, examclient.EventReconnected:
		c.log.Info().
			Str("event", string(ev.Type)).
			Dur("offline", ev.Disconnected).
			Dur("remaining", ev.Remaining).
			Msg("Timer paused for network")
	case examclient.EventTick:
		c.log.Trace().Dur("remaining", ev.Remaining).Msg("Tick")
	}
}

// answerAll works through the session batch by batch, requesting the next batch only after
// the current one has been answered.
func (c *candidate) answerAll(ctx context.Context, sessionID string, state *examclient.State) error {
	questions := state.Questions
	next := state.NextBatchIndex
	answered := 0

	for {
		for ; answered < len(questions); answered++ {
			if err := c.answer(ctx, sessionID, questions[answered]); err != nil {
				return err
			}
		}
		if next >= state.TotalBatches {
			return nil
		}

		batch, err := c.requestBatch(ctx, sessionID, next)
		if err != nil {
			return err
		}
		questions = append(questions, batch.Questions...)
		next = batch.GeneratedBatches
	}
}

// answer submits one response synchronously and mirrors it into the auto-save queue, so
// a failed submit is still persisted by the next flush.
func (c *candidate) answer(ctx context.Context, sessionID string, q examclient.Question) error {
	select {
	case <-time.After(c.think):
	case <-c.expire:
		return errTimeUp
	case <-ctx.Done():
		return ctx.Err()
	}

	e := examclient.Entry{
		QuestionIndex:    q.Index,
		TimeSpentSeconds: int(c.think / time.Second),
	}
	if rand.Float64() >= c.skip && len(q.Choices) > 0 {
		choice := rand.IntN(len(q.Choices))
		e.SelectedAnswer = &choice
	}

	if _, err := c.api.SubmitAnswer(ctx, sessionID, e); err != nil {
		c.log.Warn().Err(err).Int("question_index", q.Index).Msg("Answer submit failed, left to auto-save")
	} else if e.SelectedAnswer != nil {
		c.log.Debug().Int("question_index", q.Index).Int("choice", *e.SelectedAnswer).Msg("Answered")
	}
	c.queue.QueueAnswer(e.QuestionIndex, e.SelectedAnswer, e.TimeSpentSeconds)
	return nil
}

// requestBatch asks for one batch, following the server when it reports a different
// expected index and retrying while the generator is unavailable.
func (c *candidate) requestBatch(ctx context.Context, sessionID string, index int) (*examclient.BatchResult, error) {
	delay := 2 * time.Second
	for {
		batch, err := c.api.RequestBatch(ctx, sessionID, index)
		if err == nil {
			c.log.Info().Int("batch_index", index).Int("questions", len(batch.Questions)).Msg("Batch loaded")
			return batch, nil
		}

		var apiErr *examclient.APIError
		if !errors.As(err, &apiErr) {
			c.log.Warn().Err(err).Int("batch_index", index).Msg("Batch request failed")
		} else {
			switch apiErr.Code {
			case "OUT_OF_SEQUENCE":
				expected, ok := apiErr.ExpectedBatchIndex()
				if !ok {
					return nil, err
				}
				index = expected
				continue
			case "GENERATION_UNAVAILABLE", "GENERATION_BUSY", "RATE_LIMIT_EXCEEDED":
				c.log.Warn().Str("code", apiErr.Code).Int("batch_index", index).Msg("Batch not ready, retrying")
			default:
				return nil, fmt.Errorf("request batch %d: %w", index, err)
			}
		}

		select {
		case <-time.After(delay):
			delay = min(delay*2, 30*time.Second)
		case <-c.expire:
			return nil, errTimeUp
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitResults polls until the completion worker has scored the session.
func (c *candidate) waitResults(ctx context.Context, sessionID string) (*examclient.Results, error) {
	for range 30 {
		results, err := c.api.Results(ctx, sessionID)
		if err == nil {
			return results, nil
		}
		var apiErr *examclient.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "RESULTS_NOT_READY" {
			return nil, fmt.Errorf("fetch results: %w", err)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.New("results were not ready in time")
}

func unavailableSession(err error) (string, bool) {
	var apiErr *examclient.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	id, ok := apiErr.Details["session_id"].(string)
	return id, ok
}
