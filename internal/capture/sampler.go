package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Sampler starts stack-sampling sessions that run for the duration of a
// handler. Implementations may shell out to an external profiler; the
// built-in one samples goroutine stacks in process.
type Sampler interface {
	Start() (SamplerSession, error)
}

// SamplerSession is one in-flight sampling run. Stop finalises the
// session and returns its output as a JSON document suitable for the
// profileStats field.
type SamplerSession interface {
	Stop() (json.RawMessage, error)
}

const maxStackBytes = 1 << 20

// stackSampler collects wall-clock samples of all goroutine stacks at a
// fixed rate and folds them into semicolon-delimited collapsed stacks,
// root first.
type stackSampler struct {
	interval time.Duration
	rate     int
}

// NewStackSampler returns the built-in sampler ticking hz times per
// second.
func NewStackSampler(hz int) Sampler {
	if hz <= 0 {
		hz = 100
	}
	return &stackSampler{interval: time.Second / time.Duration(hz), rate: hz}
}

func (s *stackSampler) Start() (SamplerSession, error) {
	sess := &stackSession{
		sampler: s,
		samples: make(map[string]int),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	go sess.run()
	return sess, nil
}

type stackSession struct {
	sampler *stackSampler
	samples map[string]int
	stop    chan struct{}
	done    chan struct{}
	started time.Time
	stopped bool
}

func (s *stackSession) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.sampler.interval)
	defer ticker.Stop()
	buf := make([]byte, 64<<10)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.collect(&buf)
		}
	}
}

func (s *stackSession) collect(buf *[]byte) {
	n := runtime.Stack(*buf, true)
	for n == len(*buf) && len(*buf) < maxStackBytes {
		*buf = make([]byte, len(*buf)*2)
		n = runtime.Stack(*buf, true)
	}
	for _, stack := range foldStacks((*buf)[:n]) {
		s.samples[stack]++
	}
}

// Stop terminates the session and returns a collapsed-stack payload.
// Stopping twice is an error; the middleware guarantees a single stop
// after the handler has fully completed.
func (s *stackSession) Stop() (json.RawMessage, error) {
	if s.stopped {
		return nil, errors.New("sampler session already stopped")
	}
	s.stopped = true
	close(s.stop)
	<-s.done

	payload := struct {
		Format   string         `json:"format"`
		Rate     int            `json:"rate"`
		Duration float64        `json:"durationSeconds"`
		Samples  map[string]int `json:"samples"`
	}{
		Format:   "collapsed",
		Rate:     s.sampler.rate,
		Duration: time.Since(s.started).Seconds(),
		Samples:  s.samples,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return out, nil
}

// foldStacks parses the text form produced by runtime.Stack into one
// collapsed stack per goroutine. Frames belonging to the sampler itself
// are dropped.
func foldStacks(dump []byte) []string {
	var folded []string
	for _, block := range strings.Split(string(dump), "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 || !strings.HasPrefix(lines[0], "goroutine ") {
			continue
		}
		var frames []string
		for i := 1; i < len(lines); i += 2 {
			fn := strings.TrimSpace(lines[i])
			if idx := strings.LastIndex(fn, "("); idx > 0 {
				fn = fn[:idx]
			}
			if fn == "" || strings.HasPrefix(fn, "created by ") {
				break
			}
			frames = append(frames, fn)
		}
		if len(frames) == 0 || isSamplerStack(frames) {
			continue
		}
		// runtime.Stack lists leaf first; collapsed stacks read root
		// to leaf.
		for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
			frames[i], frames[j] = frames[j], frames[i]
		}
		folded = append(folded, strings.Join(frames, ";"))
	}
	return folded
}

func isSamplerStack(frames []string) bool {
	for _, fn := range frames {
		if strings.Contains(fn, "capture.(*stackSession)") {
			return true
		}
	}
	return false
}
