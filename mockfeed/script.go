package mockfeed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is a scripted feed scenario:
//
//	name: claim-surge
//	loop: false
//	steps:
//	  - after: 500ms
//	    type: new_trace
//	    channel: traces
//	    payload: {id: t-1, agent_type: claims}
//	  - after: 2s
//	    drop: true
type Script struct {
	Name  string `yaml:"name"`
	Loop  bool   `yaml:"loop"`
	Steps []Step `yaml:"steps"`
}

// Step publishes one frame, or drops every connection when Drop is set,
// After the given delay from the previous step.
type Step struct {
	After   time.Duration `yaml:"after"`
	Type    string        `yaml:"type"`
	Channel string        `yaml:"channel"`
	Payload any           `yaml:"payload"`
	Drop    bool          `yaml:"drop"`
}

// LoadScript reads and validates a YAML script, expanding ${VAR}
// environment references first.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript([]byte(os.ExpandEnv(string(data))))
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validate script: %w", err)
	}
	return &s, nil
}

// Validate checks that every step does something.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("script has no steps")
	}
	var total time.Duration
	for i, st := range s.Steps {
		if st.After < 0 {
			return fmt.Errorf("step %d: negative delay %s", i, st.After)
		}
		if !st.Drop && st.Type == "" {
			return fmt.Errorf("step %d: type is required unless drop is set", i)
		}
		total += st.After
	}
	if s.Loop && total == 0 {
		return errors.New("looping script needs at least one non-zero delay")
	}
	return nil
}

// Replay runs script against srv until it finishes or ctx is cancelled.
// A looping script only stops with ctx.
func Replay(ctx context.Context, srv *Server, script *Script) error {
	for {
		for i, st := range script.Steps {
			if err := sleep(ctx, st.After); err != nil {
				return err
			}
			if st.Drop {
				n := srv.DropAll()
				srv.logger.Info("script dropped connections", "script", script.Name, "step", i, "count", n)
				continue
			}
			n, err := srv.Publish(Frame{Type: st.Type, Channel: st.Channel, Data: st.Payload})
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			srv.logger.Debug("script published", "script", script.Name, "step", i, "type", st.Type, "delivered", n)
		}
		if !script.Loop {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
