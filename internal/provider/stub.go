// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"fmt"
)

// Stub is a no-network Provider that echoes the prompt back with its name
// attached. Real GLM/Kimi SDK integrations are out of scope; Stub exists so
// cmd/exai-wsd has something concrete to register by default.
type Stub struct {
	name Name
}

// NewStub creates a Stub identifying itself as name.
func NewStub(name Name) *Stub {
	return &Stub{name: name}
}

func (s *Stub) Name() Name { return s.name }

func (s *Stub) Complete(ctx context.Context, req Request) (Response, error) {
	return Response{Content: fmt.Sprintf("[%s stub] %s", s.name, req.Prompt)}, nil
}
