package service

import (
	"time"

	"github.com/CZERTAINLY/shelltask/internal/task"
)

// Report summarizes one RunAll, it is what uploaders receive as JSON.
type Report struct {
	ID      string       `json:"id"`
	Started time.Time    `json:"started"`
	Stopped time.Time    `json:"stopped"`
	Tasks   []TaskReport `json:"tasks"`
}

type TaskReport struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"` // the task could not be awaited
	task.Result
}

// Failed returns the names of tasks which did not succeed.
func (r Report) Failed() []string {
	var ret []string
	for _, t := range r.Tasks {
		if t.Error != "" || !t.Succeeded() {
			ret = append(ret, t.Name)
		}
	}
	return ret
}
