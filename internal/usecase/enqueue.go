package usecase

import (
	"taskd/internal/domain"
	"taskd/internal/engine"
)

type Submitter interface {
	Submit(t *engine.Task) (string, error)
}

type Builder interface {
	Build(req domain.Request) (*engine.Task, error)
}

// Enqueuer turns requests into tasks and submits them.
type Enqueuer struct {
	M     Submitter
	Kinds Builder
}

func (e Enqueuer) Now(req domain.Request) (string, error) {
	t, err := e.Kinds.Build(req)
	if err != nil {
		return "", err
	}
	return e.M.Submit(t)
}
