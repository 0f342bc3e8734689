package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pipeline is a named step tree. Timeout bounds a whole execution; zero
// means no limit.
type Pipeline struct {
	Name    string
	Root    Step
	Timeout time.Duration
}

// Validate checks that every step in the tree is complete.
func (p *Pipeline) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", ErrInvalidPipeline)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: pipeline name is required", ErrInvalidPipeline)
	}
	if strings.Contains(p.Name, "_") {
		return fmt.Errorf("%w: pipeline name %q must not contain '_'", ErrInvalidPipeline, p.Name)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("%w: %s: negative timeout", ErrInvalidPipeline, p.Name)
	}
	if err := validateStep(p.Root, rootPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPipeline, p.Name, err)
	}
	return nil
}

const rootPath = "0"

func childPath(parent string, index int) string {
	return parent + "." + strconv.Itoa(index)
}

func validateStep(step Step, path string) error {
	switch s := step.(type) {
	case nil:
		return fmt.Errorf("step %s is nil", path)
	case *TaskStep:
		if s.Name == "" || s.Fn == nil {
			return fmt.Errorf("task %s needs a name and a function", path)
		}
	case *SequenceStep:
		if len(s.Steps) == 0 {
			return fmt.Errorf("sequence %s is empty", path)
		}
		for i, child := range s.Steps {
			if err := validateStep(child, childPath(path, i)); err != nil {
				return err
			}
		}
	case *ChoiceStep:
		if len(s.Branches) == 0 && s.Otherwise == nil {
			return fmt.Errorf("choice %s has no branches", path)
		}
		for i, branch := range s.Branches {
			if branch.When == nil {
				return fmt.Errorf("choice %s branch %d has no predicate", path, i)
			}
			if err := validateStep(branch.Then, childPath(path, i)); err != nil {
				return err
			}
		}
		if s.Otherwise != nil {
			if err := validateStep(s.Otherwise, path+".default"); err != nil {
				return err
			}
		}
	case *ParallelStep:
		if len(s.Branches) == 0 {
			return fmt.Errorf("parallel %s has no branches", path)
		}
		for i, branch := range s.Branches {
			if err := validateStep(branch, childPath(path, i)); err != nil {
				return err
			}
		}
	case *MapStep:
		if s.Items == nil {
			return fmt.Errorf("map %s has no item selector", path)
		}
		if s.MaxConcurrency < 0 {
			return fmt.Errorf("map %s has negative concurrency", path)
		}
		return validateStep(s.Item, path+".item")
	case *SuspendStep:
		if s.Purpose == "" || s.Key == nil {
			return fmt.Errorf("suspend %s needs a purpose and a key function", path)
		}
	case *RetryStep:
		if s.Policy.MaxAttempts < 1 {
			return fmt.Errorf("retry %s needs at least one attempt", path)
		}
		return validateStep(s.Step, childPath(path, 0))
	case *CatchStep:
		if err := validateStep(s.Step, childPath(path, 0)); err != nil {
			return err
		}
		return validateStep(s.Handler, path+".catch")
	case *SubflowStep:
		if s.Pipeline == "" {
			return fmt.Errorf("subflow %s names no pipeline", path)
		}
	default:
		return fmt.Errorf("step %s has unsupported kind %s", path, step.kind())
	}
	return nil
}
