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

package metric

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Namespace prefixes every exported metric name.
const Namespace = "rvboot"

// promName converts a metric name such as /loader/bootstraps into a
// Prometheus-compliant name such as rvboot_loader_bootstraps.
func promName(name string) string {
	return Namespace + strings.ReplaceAll(name, "/", "_")
}

// escapeHelp applies the Prometheus description escape rules: only
// backslashes and line breaks need escaping.
func escapeHelp(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(s)
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
func WritePrometheus(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, m := range allMetrics.sorted() {
		if err := m.writeTo(bw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (m *Uint64Metric) writeTo(w io.Writer) error {
	name := promName(m.name)
	typ := "gauge"
	if m.cumulative {
		typ = "counter"
	}
	if m.description != "" {
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n", name, escapeHelp(m.description)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, typ); err != nil {
		return err
	}
	if m.value != nil {
		_, err := fmt.Fprintf(w, "%s %d\n", name, m.value())
		return err
	}
	for k := range m.counters {
		labels := ""
		if len(m.fields) > 0 {
			vs := m.values(k)
			pairs := make([]string, len(vs))
			for i, v := range vs {
				pairs[i] = fmt.Sprintf("%s=%q", m.fields[i].name, v)
			}
			labels = "{" + strings.Join(pairs, ",") + "}"
		}
		if _, err := fmt.Fprintf(w, "%s%s %d\n", name, labels, m.counters[k].Load()); err != nil {
			return err
		}
	}
	return nil
}
