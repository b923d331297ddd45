// Package demojobs holds the jobs the command line tools submit and run.
package demojobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/richardbowden/sqsjobs"
)

const (
	TagLog    = "log"
	TagTouch  = "touch"
	TagSleep  = "sleep"
	TagFanOut = "fan_out"
	TagFail   = "fail"
	TagFlaky  = "flaky"
)

// Register adds every demo job to reg.
func Register(reg *sqsjobs.Registry) {
	sqsjobs.RegisterJob[LogJob](reg, TagLog)
	sqsjobs.RegisterJob[TouchFileJob](reg, TagTouch)
	sqsjobs.RegisterJob[SleepJob](reg, TagSleep)
	sqsjobs.RegisterJob[FanOutJob](reg, TagFanOut)
	sqsjobs.RegisterJob[FailJob](reg, TagFail)
	sqsjobs.RegisterJob[FlakyJob](reg, TagFlaky)
}

// LogJob writes its text to the log.
type LogJob struct {
	Text string `json:"text"`
}

func (j *LogJob) Run(ec *sqsjobs.ExecutionContext) error {
	ec.Logger().Info().Str("text", j.Text).Msg("Log job")
	return nil
}

// TouchFileJob creates an empty file at Path, or updates its mtime.
type TouchFileJob struct {
	Path string `json:"path"`
}

func (j *TouchFileJob) Run(ec *sqsjobs.ExecutionContext) error {
	if j.Path == "" {
		return sqsjobs.Terminal(errors.New("touch: empty path"))
	}
	if err := os.MkdirAll(filepath.Dir(j.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.Path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(j.Path, now, now)
}

func (j *TouchFileJob) String() string {
	return fmt.Sprintf("<TouchFileJob %s>", j.Path)
}

// SleepJob simulates work by sleeping, or returns early when the worker is killed.
type SleepJob struct {
	Millis int `json:"millis"`
}

func (j *SleepJob) Run(ec *sqsjobs.ExecutionContext) error {
	t := time.NewTimer(time.Duration(j.Millis) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ec.Done():
		return ec.Err()
	}
}

// FanOutJob submits Count log jobs, each Spread apart.
type FanOutJob struct {
	Count  int           `json:"count"`
	Spread time.Duration `json:"spread"`
}

func (j *FanOutJob) Run(ec *sqsjobs.ExecutionContext) error {
	for i := 0; i < j.Count; i++ {
		job := &LogJob{Text: fmt.Sprintf("fan out %d/%d", i+1, j.Count)}
		if err := ec.Submit(job, sqsjobs.WithDelay(time.Duration(i)*j.Spread)); err != nil {
			return err
		}
	}
	return nil
}

// FailJob always fails. With Terminal set the failure is final and the message is
// acknowledged by the NoEndlessRetry middleware.
type FailJob struct {
	Reason   string `json:"reason"`
	Terminal bool   `json:"terminal"`
}

func (j *FailJob) Run(ec *sqsjobs.ExecutionContext) error {
	err := fmt.Errorf("fail job: %s", j.Reason)
	if j.Terminal {
		return sqsjobs.Terminal(err)
	}
	return err
}

// FlakyJob puts itself back on the queue until it has been retried SucceedAfter
// times. Past MaxRetries it gives up with a terminal error.
type FlakyJob struct {
	sqsjobs.Retriable
	SucceedAfter int `json:"succeed_after"`
	MaxRetries   int `json:"max_retries"`
	DelayMillis  int `json:"delay_millis"`
}

func (j *FlakyJob) Run(ec *sqsjobs.ExecutionContext) error {
	if j.Retries >= j.SucceedAfter {
		ec.Logger().Info().Int("retries", j.Retries).Msg("Flaky job finally succeeded")
		return nil
	}
	return j.RetryOrFail(ec, j, j.MaxRetries, time.Duration(j.DelayMillis)*time.Millisecond)
}
