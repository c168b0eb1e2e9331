// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"github.com/sirupsen/logrus"

	"github.com/deepmemory/deepmemory/internal/compress"
	"github.com/deepmemory/deepmemory/internal/ingest"
	"github.com/deepmemory/deepmemory/internal/learn"
	"github.com/deepmemory/deepmemory/internal/profile"
	"github.com/deepmemory/deepmemory/internal/retrieval"
	"github.com/deepmemory/deepmemory/internal/store"
)

// ToolContext holds shared dependencies for all tools
type ToolContext struct {
	Repos        *store.Repos
	Pipeline     *ingest.Pipeline
	Orchestrator *retrieval.Orchestrator
	Learner      *learn.Learner
	Compressor   *compress.Compressor
	Profiles     *profile.Manager
	Logger       *logrus.Logger
}

// NewToolContext creates a tool context over the wired components
func NewToolContext(repos *store.Repos, pipeline *ingest.Pipeline, orchestrator *retrieval.Orchestrator, learner *learn.Learner, compressor *compress.Compressor, profiles *profile.Manager, logger *logrus.Logger) *ToolContext {
	if logger == nil {
		logger = logrus.New()
	}
	return &ToolContext{
		Repos:        repos,
		Pipeline:     pipeline,
		Orchestrator: orchestrator,
		Learner:      learner,
		Compressor:   compressor,
		Profiles:     profiles,
		Logger:       logger,
	}
}
