// Copyright 2024 The Relaygate Authors
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

// Command relayd runs the relaygate reverse proxy and certificate
// manager. Grounded on the teacher's cmd/caddy/main.go entrypoint
// shape (automaxprocs tuning, then hand off to cobra), trimmed of the
// teacher's plugin-import side-effect registration since this build
// has a fixed, non-pluggable command set.
package main

import (
	"fmt"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/relaygate/relaygate"
)

func main() {
	os.Exit(run())
}

func run() int {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: setting GOMAXPROCS: %v\n", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: setting GOMEMLIMIT: %v\n", err)
	}

	err := relaygate.RootCommand().Execute()
	return relaygate.ExitCode(err)
}
