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

package hash

import (
	"math"
	"testing"
)

type stringer struct{ s string }

func (s stringer) String() string { return s.s }

func TestKey(t *testing.T) {
	a := Key([]string{"s3://tiles/a.nc", "red"})
	b := Key([]string{"s3://tiles/a.nc", "nir"})
	if a == b {
		t.Error("different values should key differently")
	}
	if a != Key([]string{"s3://tiles/a.nc", "red"}) {
		t.Error("equal values should key equally")
	}
	// Stringers are their own keys.
	if got := Key(stringer{"key"}); got != "key" {
		t.Errorf("got %q, want %q", got, "key")
	}
	// Values holding NaN still get distinct, stable keys.
	n1 := Key([]float64{math.NaN(), 1})
	n2 := Key([]float64{math.NaN(), 2})
	if n1 == "" || n1 == n2 {
		t.Errorf("NaN keys: %q, %q", n1, n2)
	}
	// Values gob rejects fall back to the printed form.
	f1 := Key(map[string]func(){"a": nil})
	f2 := Key(map[string]func(){"b": nil})
	if f1 == "" || f1 == f2 {
		t.Errorf("fallback keys: %q, %q", f1, f2)
	}
}
