// Package version описывает сборку сервиса: значения приходят из -ldflags,
// а при их отсутствии из метаданных VCS, которые go build кладёт в бинарник.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/storefront-oms/internal/version.version=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

const unknown = "unknown"

// Build — параметры текущей сборки.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

var (
	currentOnce sync.Once
	current     Build
)

// Current возвращает параметры сборки; вычисляется один раз.
func Current() Build {
	currentOnce.Do(func() {
		info, _ := debug.ReadBuildInfo()
		current = resolve(version, commit, date, info)
	})
	return current
}

// resolve дополняет ldflags-значения настройками vcs.* из build info.
func resolve(v, c, d string, info *debug.BuildInfo) Build {
	b := Build{Version: v, Commit: c, Date: d, GoVersion: runtime.Version()}
	if info != nil {
		if info.GoVersion != "" {
			b.GoVersion = info.GoVersion
		}
		for _, setting := range info.Settings {
			switch {
			case setting.Key == "vcs.revision" && b.Commit == "":
				b.Commit = setting.Value
			case setting.Key == "vcs.time" && b.Date == "":
				b.Date = setting.Value
			}
		}
	}

	if b.Version == "" {
		b.Version = "dev"
	}
	if b.Commit == "" {
		b.Commit = unknown
	}
	if b.Date == "" {
		b.Date = unknown
	}
	return b
}

// ShortCommit обрезает хэш до 12 символов.
func (b Build) ShortCommit() string {
	if len(b.Commit) > 12 && b.Commit != unknown {
		return b.Commit[:12]
	}
	return b.Commit
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", b.Version, b.ShortCommit(), b.Date, b.GoVersion)
}

// NewCollector отдаёт gauge storefront_build_info со значением 1 и параметрами сборки в метках.
func NewCollector(b Build) prometheus.Collector {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_build_info",
		Help: "Build information of the running order service",
		ConstLabels: prometheus.Labels{
			"version":   b.Version,
			"commit":    b.ShortCommit(),
			"goversion": b.GoVersion,
		},
	})
	gauge.Set(1)
	return gauge
}
