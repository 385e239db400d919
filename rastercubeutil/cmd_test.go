/*
Copyright © 2024 the Rastercube authors.
This file is part of Rastercube.

Rastercube is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Rastercube is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Rastercube.  If not, see <http://www.gnu.org/licenses/>.
*/

package rastercubeutil

import (
	"os"
	"reflect"
	"testing"

	"github.com/BurntSushi/toml"
)

type tomlConfig struct {
	OutputFile string
	Catalog    struct {
		URL         string
		Collections []string
	}
	Compute struct {
		Workers int
	}
}

const testConfigDoc = `
OutputFile = "out.nc"

[Catalog]
URL = "https://catalog.example.com/search"
Collections = ["sentinel-2"]

[Compute]
Workers = 3
`

// TestSetConfig checks that a TOML configuration file read through
// the --config flag yields the same values as decoding it directly.
func TestSetConfig(t *testing.T) {
	f, err := os.Create("tmp_config.toml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove("tmp_config.toml")
	if _, err := f.WriteString(testConfigDoc); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var want tomlConfig
	if _, err := toml.Decode(testConfigDoc, &want); err != nil {
		t.Fatal(err)
	}

	Cfg.Set("config", "tmp_config.toml")
	defer Cfg.Set("config", "")
	if err := setConfig(); err != nil {
		t.Fatal(err)
	}
	if got := Cfg.GetString("OutputFile"); got != want.OutputFile {
		t.Errorf("OutputFile: got %q, want %q", got, want.OutputFile)
	}
	if got := Cfg.GetString("Catalog.URL"); got != want.Catalog.URL {
		t.Errorf("Catalog.URL: got %q, want %q", got, want.Catalog.URL)
	}
	if got := Cfg.GetStringSlice("Catalog.Collections"); !reflect.DeepEqual(got, want.Catalog.Collections) {
		t.Errorf("Catalog.Collections: got %v, want %v", got, want.Catalog.Collections)
	}
	if got := Cfg.GetInt("Compute.Workers"); got != want.Compute.Workers {
		t.Errorf("Compute.Workers: got %d, want %d", got, want.Compute.Workers)
	}
}

func TestSetConfigMissingFile(t *testing.T) {
	Cfg.Set("config", "no_such_config.toml")
	defer Cfg.Set("config", "")
	if err := setConfig(); err == nil {
		t.Error("expected an error for a missing configuration file")
	}
}
