// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package configuration defines the top-level YAML configuration for the
// peerwire process, aggregating every component's own Config struct.
package configuration

import (
	"github.com/dhagan/peerwire/client"
	"github.com/dhagan/peerwire/trackerclient"
	"github.com/dhagan/peerwire/utils/log"
)

// Config is the root of the process configuration file.
type Config struct {
	Client        client.Config        `yaml:"client"`
	TrackerClient trackerclient.Config `yaml:"tracker_client"`
	ZapLogging    log.Config           `yaml:"zap_logging"`
}
