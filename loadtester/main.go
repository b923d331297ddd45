package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/richardbowden/sqsjobs"
	"github.com/richardbowden/sqsjobs/internal/demojobs"
)

type loadConfig struct {
	QueueURL    string          `env:"SQS_QUEUE_URL,required"`
	Messages    int             `env:"LOAD_TEST_MESSAGES"        envDefault:"1000"`
	Concurrency int             `env:"LOAD_TEST_CONCURRENCY"     envDefault:"10"`
	BatchSize   int             `env:"LOAD_TEST_BATCH_SIZE"      envDefault:"1"`
	SleepRatio  float64         `env:"LOAD_TEST_SLEEP_RATIO"     envDefault:"0.5"`
	Timeout     time.Duration   `env:"LOAD_TEST_TIMEOUT"         envDefault:"30s"`
	Pattern     WorkloadPattern `env:"LOAD_TEST_PATTERN"         envDefault:"wave"`
}

type WorkloadPattern string

const (
	PatternSteady    WorkloadPattern = "steady"
	PatternBurst     WorkloadPattern = "burst"
	PatternWave      WorkloadPattern = "wave"
	PatternTimeOfDay WorkloadPattern = "timeofday"
)

// intensity is the relative load of the pattern at progress, between 0 and 1
func (p WorkloadPattern) intensity(progress float64) float64 {
	switch p {
	case PatternBurst:
		if inBurst(progress) {
			return 0.9
		}
		return 0.3
	case PatternWave:
		return (1 + math.Sin(progress*6*math.Pi)) / 2
	case PatternTimeOfDay:
		hour := progress * 24
		switch {
		case hour < 6:
			return 0.2
		case hour < 9:
			return 0.5
		case hour < 14:
			return 0.9
		case hour < 20:
			return 0.6
		default:
			return 0.3
		}
	default:
		return 0.5
	}
}

func (p WorkloadPattern) phase(progress float64) string {
	switch p {
	case PatternBurst:
		if inBurst(progress) {
			return "BURST - High Volume"
		}
		return "Normal - Steady Flow"
	case PatternWave:
		s := math.Sin(progress * 6 * math.Pi)
		if s > 0.5 {
			return "Peak - High Activity"
		} else if s < -0.5 {
			return "Valley - Low Activity"
		}
		return "Transitioning"
	case PatternTimeOfDay:
		hour := progress * 24
		switch {
		case hour < 6:
			return "Night - Low Traffic"
		case hour < 9:
			return "Morning - Ramping Up"
		case hour < 14:
			return "Peak Hours - Maximum Load"
		case hour < 20:
			return "Evening - Moderate Traffic"
		default:
			return "Night - Winding Down"
		}
	case PatternSteady:
		return "Steady - Constant Rate"
	default:
		return "Unknown"
	}
}

// pause before a send, shorter when the pattern is more intense
func (p WorkloadPattern) pause(progress float64, rng *rand.Rand) time.Duration {
	base := 5 + int((1-p.intensity(progress))*195)
	return time.Duration(base+rng.Intn(10)) * time.Millisecond
}

func inBurst(progress float64) bool {
	return progress < 0.3 || (progress > 0.5 && progress < 0.6) || (progress > 0.8 && progress < 0.9)
}

type Result struct {
	Success  bool
	Duration time.Duration
	Index    int
	Jobs     int
	Error    string
	JobType  string
}

type logEntry struct {
	timestamp time.Time
	message   string
	jobType   string
	success   bool
}

type tickMsg time.Time
type resultMsg Result
type completeMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	patternStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2).
			MarginBottom(1)
)

type model struct {
	cfg       loadConfig
	spinner   spinner.Model
	progress  progress.Model
	sent      int
	succeeded int
	failed    int
	jobs      int
	byType    map[string]int
	recent    []logEntry
	errors    []string
	latencies []time.Duration
	startTime time.Time
	now       time.Time
	complete  bool
	width     int
}

func initialModel(cfg loadConfig) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		cfg:       cfg,
		spinner:   s,
		progress:  progress.New(progress.WithDefaultGradient()),
		byType:    make(map[string]int),
		startTime: time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tickMsg:
		m.now = time.Time(msg)
		if !m.complete {
			return m, tickCmd()
		}

	case resultMsg:
		m.sent++
		m.latencies = append(m.latencies, msg.Duration)
		entry := logEntry{timestamp: time.Now(), jobType: msg.JobType, success: msg.Success}
		if msg.Success {
			m.succeeded++
			m.jobs += msg.Jobs
			m.byType[msg.JobType] += msg.Jobs
			entry.message = fmt.Sprintf("Batch %d: %d jobs sent (%v)", msg.Index, msg.Jobs, msg.Duration.Round(time.Millisecond))
		} else {
			m.failed++
			entry.message = fmt.Sprintf("Batch %d failed: %s", msg.Index, msg.Error)
			m.errors = append([]string{fmt.Sprintf("[%s] %s", msg.JobType, msg.Error)}, m.errors...)
			if len(m.errors) > 5 {
				m.errors = m.errors[:5]
			}
		}
		m.recent = append([]logEntry{entry}, m.recent...)
		if len(m.recent) > 10 {
			m.recent = m.recent[:10]
		}

	case completeMsg:
		m.complete = true

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) batches() int {
	return (m.cfg.Messages + m.cfg.BatchSize - 1) / m.cfg.BatchSize
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("sqsjobs load generator") + "\n")

	done := float64(m.sent) / float64(max(m.batches(), 1))
	text := fmt.Sprintf("Progress: %d/%d batches (%.1f%%)", m.sent, m.batches(), done*100)
	if m.complete {
		text = "✓ " + text
	} else {
		text = m.spinner.View() + " " + text
	}
	b.WriteString(text + "\n")
	b.WriteString(m.progress.ViewAs(done) + "\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.renderMetrics(), m.renderLatency()) + "\n")
	b.WriteString(m.renderPattern(done) + "\n")
	b.WriteString(m.renderLog() + "\n")
	if len(m.errors) > 0 {
		var errs strings.Builder
		errs.WriteString(errorStyle.Render("Recent Errors:") + "\n\n")
		for _, e := range m.errors {
			errs.WriteString(fmt.Sprintf("  %s %s\n", errorStyle.Render("•"), e))
		}
		b.WriteString(boxStyle.Width(84).Render(errs.String()) + "\n")
	}

	if m.complete {
		b.WriteString(successStyle.Render("\n✓ Test Complete! Press 'q' to quit"))
	} else {
		b.WriteString(labelStyle.Render("\nPress 'q' to quit"))
	}
	return b.String()
}

func (m model) renderMetrics() string {
	elapsed := m.now.Sub(m.startTime)
	if elapsed <= 0 {
		elapsed = time.Since(m.startTime)
	}
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(m.jobs) / elapsed.Seconds()
	}

	lines := []string{
		labelStyle.Render("Batches sent: ") + valueStyle.Render(fmt.Sprint(m.sent)),
		labelStyle.Render("Successful:   ") + successStyle.Render(fmt.Sprint(m.succeeded)),
		labelStyle.Render("Failed:       ") + errorStyle.Render(fmt.Sprint(m.failed)),
		labelStyle.Render("Jobs queued:  ") + valueStyle.Render(fmt.Sprint(m.jobs)),
		"",
	}
	for _, tag := range []string{demojobs.TagLog, demojobs.TagSleep} {
		lines = append(lines, labelStyle.Render(fmt.Sprintf("  %-6s ", tag))+valueStyle.Render(fmt.Sprint(m.byType[tag])))
	}
	lines = append(lines,
		"",
		labelStyle.Render("Elapsed:    ")+valueStyle.Render(elapsed.Round(time.Second).String()),
		labelStyle.Render("Throughput: ")+valueStyle.Render(fmt.Sprintf("%.2f jobs/s", throughput)),
	)
	return boxStyle.Width(40).Render(strings.Join(lines, "\n"))
}

func (m model) renderLatency() string {
	if len(m.latencies) == 0 {
		return boxStyle.Width(40).Render(labelStyle.Render("Latency:\n  No data yet..."))
	}

	lo, hi := m.latencies[0], m.latencies[0]
	var total time.Duration
	for _, l := range m.latencies {
		lo = min(lo, l)
		hi = max(hi, l)
		total += l
	}
	avg := total / time.Duration(len(m.latencies))

	lines := []string{
		labelStyle.Render("Latency:"),
		labelStyle.Render("  Min: ") + valueStyle.Render(lo.Round(time.Millisecond).String()),
		labelStyle.Render("  Max: ") + valueStyle.Render(hi.Round(time.Millisecond).String()),
		labelStyle.Render("  Avg: ") + valueStyle.Render(avg.Round(time.Millisecond).String()),
		"",
		labelStyle.Render("Recent trend:"),
		valueStyle.Render("  " + sparkline(m.latencies, 30)),
	}
	return boxStyle.Width(40).Render(strings.Join(lines, "\n"))
}

func sparkline(latencies []time.Duration, n int) string {
	recent := latencies[max(len(latencies)-n, 0):]
	lo, hi := recent[0], recent[0]
	for _, l := range recent {
		lo = min(lo, l)
		hi = max(hi, l)
	}

	bars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	var sb strings.Builder
	for _, l := range recent {
		normalized := 0.5
		if hi > lo {
			normalized = float64(l-lo) / float64(hi-lo)
		}
		sb.WriteRune(bars[int(normalized*float64(len(bars)-1))])
	}
	return sb.String()
}

func (m model) renderPattern(progress float64) string {
	bars := []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	const width = 60

	var viz strings.Builder
	for i := 0; i < width; i++ {
		p := float64(i) / width
		bar := string(bars[int(m.cfg.Pattern.intensity(p)*float64(len(bars)-1))])
		if math.Abs(p-progress) < 0.02 {
			viz.WriteString(successStyle.Render(bar))
		} else {
			viz.WriteString(labelStyle.Render(bar))
		}
	}

	content := labelStyle.Render("Workload Pattern: ") + patternStyle.Render(string(m.cfg.Pattern)) + "\n" +
		labelStyle.Render("Phase: ") + valueStyle.Render(m.cfg.Pattern.phase(progress)) + "\n\n" +
		viz.String()
	return boxStyle.Width(84).Render(content)
}

func (m model) renderLog() string {
	var logs strings.Builder
	logs.WriteString(labelStyle.Render("Recent Activity:") + "\n\n")
	if len(m.recent) == 0 {
		logs.WriteString(labelStyle.Render("  No activity yet..."))
	}
	for _, entry := range m.recent {
		icon := successStyle.Render("✓")
		if !entry.success {
			icon = errorStyle.Render("✗")
		}
		logs.WriteString(fmt.Sprintf("  %s %-6s %s %s\n",
			labelStyle.Render(entry.timestamp.Format("15:04:05.000")),
			entry.jobType,
			icon,
			entry.message,
		))
	}
	return boxStyle.Width(84).Render(logs.String())
}

// buildBatch returns size jobs of one kind, picked by the configured sleep ratio
func buildBatch(rng *rand.Rand, cfg loadConfig, size int) (string, []sqsjobs.Job) {
	jobs := make([]sqsjobs.Job, size)
	if rng.Float64() < cfg.SleepRatio {
		for i := range jobs {
			jobs[i] = &demojobs.SleepJob{Millis: 10 + rng.Intn(200)}
		}
		return demojobs.TagSleep, jobs
	}
	for i := range jobs {
		jobs[i] = &demojobs.LogJob{Text: "load test " + xid.New().String()}
	}
	return demojobs.TagLog, jobs
}

func sendBatch(ctx context.Context, submitter *sqsjobs.Submitter, cfg loadConfig, rng *rand.Rand, index, size int) Result {
	jobType, jobs := buildBatch(rng, cfg, size)

	sendCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := submitter.Submit(sendCtx, jobs)
	result := Result{Success: err == nil, Duration: time.Since(start), Index: index, Jobs: len(jobs), JobType: jobType}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func main() {
	cfg, err := env.ParseAs[loadConfig]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	cfg.BatchSize = max(cfg.BatchSize, 1)
	cfg.Concurrency = max(cfg.Concurrency, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// the TUI owns the terminal, connection logs would garble it
	conn, err := sqsjobs.NewConnectionFromURL(ctx, cfg.QueueURL, sqsjobs.ConnectionOptions{Logger: zerolog.Nop()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Unable to open queue: %v\n", err)
		os.Exit(1)
	}
	if closer, ok := conn.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	registry := sqsjobs.NewRegistry()
	demojobs.Register(registry)
	submitter := sqsjobs.NewSubmitter(conn, sqsjobs.NewJSONSerializer(registry))

	m := initialModel(cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())
	total := m.batches()

	go func() {
		indexes := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < cfg.Concurrency; w++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
				for index := range indexes {
					time.Sleep(cfg.Pattern.pause(float64(index)/float64(total), rng))
					size := min(cfg.BatchSize, cfg.Messages-index*cfg.BatchSize)
					p.Send(resultMsg(sendBatch(ctx, submitter, cfg, rng, index, size)))
				}
			}(w)
		}

	feed:
		for i := 0; i < total; i++ {
			select {
			case indexes <- i:
			case <-ctx.Done():
				break feed
			}
		}
		close(indexes)
		wg.Wait()
		p.Send(completeMsg{})
	}()

	go func() {
		<-sigChan
		cancel()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
