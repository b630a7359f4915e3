package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dontdude/sandrun/internal/config"
	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/platform/queue"
)

var (
	languageFlag string
	fileFlag     string
	inputFlag    string
	testsFlag    bool
	redisFlag    string
	waitFlag     time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish one job (code from --file, or stdin)",
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "language id (defaults per mode)")
	submitCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "source file; stdin when empty")
	submitCmd.Flags().StringVar(&inputFlag, "input", "", "line of stdin for the program")
	submitCmd.Flags().BoolVar(&testsFlag, "tests", false, "run as a test suite")
	submitCmd.Flags().StringVar(&redisFlag, "redis", "", "redis address (overrides config)")
	submitCmd.Flags().DurationVar(&waitFlag, "wait", 0, "wait up to this long for the result")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(cfg.NewLogger())

	addr := cfg.Queue.RedisAddr
	if redisFlag != "" {
		addr = redisFlag
	}
	if addr == "" {
		addr = "localhost:6379"
	}

	code, err := readSource(cmd.InOrStdin(), fileFlag)
	if err != nil {
		return err
	}
	job := newJob(code, languageFlag, inputFlag, testsFlag)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	q, err := queue.NewRedisQueue(ctx, addr, queue.Options{
		Stream:      cfg.Queue.Stream,
		Group:       cfg.Queue.Group,
		LogsChannel: cfg.Queue.LogsChannel,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	// Subscribe before publishing so a fast worker cannot beat us.
	var results <-chan domain.JobResult
	if waitFlag > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, waitFlag)
		defer cancel()
		if results, err = q.SubscribeLogs(waitCtx); err != nil {
			return err
		}
	}

	if err := q.Publish(ctx, job); err != nil {
		return err
	}
	slog.Info("Published job", "jobID", job.ID, "language", job.Request.Language, "mode", job.Request.Mode)
	fmt.Fprintln(cmd.OutOrStdout(), job.ID)

	if results == nil {
		return nil
	}
	res, err := awaitResult(results, job.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Output)
	if res.Status != "ok" {
		return fmt.Errorf("job %s finished with status %s", job.ID, res.Status)
	}
	return nil
}

func readSource(stdin io.Reader, path string) (string, error) {
	var data []byte
	var err error
	if path == "" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("no source code given")
	}
	return string(data), nil
}

func newJob(code, language, input string, tests bool) domain.Job {
	mode := domain.ModeRun
	if tests {
		mode = domain.ModeTest
	}
	id := uuid.NewString()
	return domain.Job{
		ID: id,
		Request: domain.ExecutionRequest{
			JobID:    id,
			Code:     code,
			Language: language,
			Input:    input,
			Mode:     mode,
		},
	}
}

// awaitResult returns the first result for jobID. The channel closes when
// the wait deadline passes.
func awaitResult(results <-chan domain.JobResult, jobID string) (domain.JobResult, error) {
	for res := range results {
		if res.JobID == jobID {
			return res, nil
		}
	}
	return domain.JobResult{}, fmt.Errorf("no result for job %s before the deadline", jobID)
}
