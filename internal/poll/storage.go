// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package poll

// This file names what the scheduler needs from the rest of the
// program.

import (
	"context"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/download"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/pipeline"
)

// ChannelLister lists the channels that take part in polling and
// records when one was last checked.
type ChannelLister interface {
	PollingChannels(ctx context.Context) ([]message.Channel, error)
	TouchChannel(ctx context.Context, id string, checked time.Time) error
}

// PauseReader reads a user's automation pause flag.
type PauseReader interface {
	Paused(ctx context.Context, userID string) (bool, error)
}

// Processor runs the pipeline stages for one channel.  *pipeline.Runner
// implements it.
type Processor interface {
	ListNew(ctx context.Context, ch *message.Channel) (download.Source, []message.Message, error)
	ProcessItem(ctx context.Context, src download.Source, ch *message.Channel, msg message.Message) (*pipeline.Result, error)
}

// Storage is everything the scheduler reads and writes.
type Storage interface {
	ChannelLister
	PauseReader
}
