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

package delivery

import (
	"context"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/rs/zerolog"
)

// Target is a destination folder as seen by one account.  Err is set
// when the folder could not be validated.
type Target struct {
	Folder *message.Folder
	Err    error
}

type targetKey struct {
	account string
	folder  string
}

// Job is one Deliver call.  Strategies share it so that a folder is
// validated at most once per account.
type Job struct {
	Request Request

	clock   clock.Clock
	log     zerolog.Logger
	targets map[targetKey]*Target
}

func newJob(req Request, clk clock.Clock, log zerolog.Logger) *Job {
	return &Job{
		Request: req,
		clock:   clk,
		log:     log,
		targets: make(map[targetKey]*Target),
	}
}

// Target validates folder as files' account, remembering the answer.
func (j *Job) Target(ctx context.Context, files Files, folder string) *Target {
	key := targetKey{files.Account(), folder}
	if t, ok := j.targets[key]; ok {
		return t
	}
	f, err := files.Folder(ctx, folder)
	t := &Target{Folder: f, Err: err}
	j.targets[key] = t
	return t
}

// Upload puts the job's file into folder.  A file of the same name
// uploaded to the folder within DuplicateWindow is returned instead of
// uploading again.
func (j *Job) Upload(ctx context.Context, files Files, folder string) (*message.Delivery, error) {
	t := j.Target(ctx, files, folder)
	if t.Err != nil {
		return nil, t.Err
	}
	req := j.Request
	since := j.clock.Now().Add(-DuplicateWindow)
	existing, err := files.FindRecent(ctx, t.Folder.ID, req.FileName, since)
	if err != nil {
		j.log.Warn().Err(err).Str("folder", t.Folder.ID).Str("name", req.FileName).Msg("duplicate check failed; uploading")
	} else if existing != nil {
		return delivery(existing, files, t.Folder, true), nil
	}
	rf, err := files.Upload(ctx, t.Folder.ID, req.FileName, req.MimeType, req.LocalPath)
	if err != nil {
		return nil, err
	}
	return delivery(rf, files, t.Folder, false), nil
}

func delivery(rf *message.RemoteFile, files Files, folder *message.Folder, reused bool) *message.Delivery {
	return &message.Delivery{
		ExternalID: rf.ID,
		Name:       rf.Name,
		ViewLink:   rf.ViewLink,
		Folder:     folder.ID,
		Account:    files.Account(),
		Reused:     reused,
	}
}
