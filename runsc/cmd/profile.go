// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/google/pprof/profile"
	"vproc.dev/vproc/pkg/sentry/mm"
)

// Report formats accepted by trace.
const (
	reportText  = "text"
	reportPprof = "pprof"
)

// dumpReport ends tracing on m and writes the accesses to w in format.
func dumpReport(ctx context.Context, m *mm.MemoryMap, w io.Writer, format string) error {
	switch format {
	case reportText:
		return m.DumpTracerReport(ctx, w)
	case reportPprof:
		t, err := m.EndTracing(ctx)
		if err != nil {
			return err
		}
		return accessProfile(m.VMAs(), t.Accesses()).Write(w)
	default:
		return fmt.Errorf("invalid report format %q, must be %q or %q", format, reportText, reportPprof)
	}
}

// accessProfile returns a profile with one sample per accessed page. Each
// sample's location is the page address inside the mapping of its region,
// so pprof can group accesses by region.
func accessProfile(vmas []mm.VMA, accesses []mm.PageAccess) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "pages", Unit: "count"},
			{Type: "first_access", Unit: "microseconds"},
		},
		PeriodType: &profile.ValueType{Type: "pages", Unit: "count"},
		Period:     1,
	}
	for i, v := range vmas {
		p.Mapping = append(p.Mapping, &profile.Mapping{
			ID:     uint64(i + 1),
			Start:  uint64(v.Range.Start),
			Limit:  uint64(v.Range.End),
			Offset: v.Offset,
			File:   fmt.Sprintf("%s %s", v.Perms, v.Label()),
		})
	}
	for i, a := range accesses {
		loc := &profile.Location{
			ID:      uint64(i + 1),
			Address: uint64(a.Page),
		}
		for j, v := range vmas {
			if v.Range.Contains(a.Page) {
				loc.Mapping = p.Mapping[j]
				break
			}
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1, a.Time.Microseconds()},
		})
	}
	return p
}
