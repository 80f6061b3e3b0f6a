// Copyright 2024 Stratum Authors
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

// Package debug provides the debug HTTP handler: metrics, pprof, expvar.
package debug

import (
	"bytes"
	"context"
	_ "expvar" // for /debug/vars
	"errors"
	"net"
	"net/http"
	_ "net/http/pprof" // for /debug/pprof
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RunHandler runs the debug handler on the given address until ctx is done.
func RunHandler(ctx context.Context, addr string, r *prometheus.Registry, l *zap.Logger) {
	stdL, err := zap.NewStdLogAt(l, zap.WarnLevel)
	if err != nil {
		l.Error("Debug handler setup failed", zap.Error(err))
		return
	}

	mux := http.NewServeMux()

	mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		r, promhttp.HandlerFor(r, promhttp.HandlerOpts{
			ErrorLog:      stdL,
			ErrorHandling: promhttp.ContinueOnError,
			Registry:      r,
		}),
	))

	mux.Handle("/debug/vars", http.DefaultServeMux)
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	handlers := map[string]string{
		"/debug/metrics": "Metrics in Prometheus format",
		"/debug/vars":    "Expvar package metrics",
		"/debug/pprof":   "Runtime profiling data for pprof",
	}

	var page bytes.Buffer

	tmpl := template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`))
	if err = tmpl.Execute(&page, handlers); err != nil {
		l.Error("Debug handler setup failed", zap.Error(err))
		return
	}

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	s := http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: stdL,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			l.Error("Debug handler listen failed", zap.Error(err))
			return
		}

		root := "http://" + lis.Addr().String()

		l.Sugar().Infof("Starting debug server on %s ...", root)

		for path := range handlers {
			l.Sugar().Infof("%s%s", root, path)
		}

		if err = s.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			l.Error("Debug handler failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_ = s.Shutdown(shutdownCtx)
	_ = s.Close()

	l.Info("Debug handler stopped")
}
