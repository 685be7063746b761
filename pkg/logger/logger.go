package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05.000"
)

// sink 当前生效的输出集合，按天轮转时整体替换
type sink struct {
	files map[string]*lumberjack.Logger // level -> 文件
	stop  chan struct{}
}

var (
	mu      sync.Mutex
	current *sink
)

// initLogger 根据配置构建全局 logger
func initLogger(cfg Config) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if cfg.LevelFiles.IsEmpty() {
		cfg.LevelFiles = LevelFiles{{Level: INFO, Path: "logs/info.log"}}
	}
	for _, p := range cfg.LevelFiles.GetPaths() {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}

	s := &sink{stop: make(chan struct{})}
	install(cfg, s)
	go s.rotateDaily(cfg)
	return nil
}

// install 创建 writer 并替换全局 logger
func install(cfg Config, s *sink) {
	var mask uint8
	for _, e := range cfg.LevelFiles {
		mask |= 1 << uint8(parseLevel(e.Level))
	}

	s.files = make(map[string]*lumberjack.Logger, len(cfg.LevelFiles))
	writers := make([]io.Writer, 0, len(cfg.LevelFiles)+1)
	for _, e := range cfg.LevelFiles {
		lj := &lumberjack.Logger{
			Filename:   e.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		s.files[e.Level] = lj
		writers = append(writers, &levelWriter{
			level: parseLevel(e.Level),
			mask:  mask,
			out:   zerolog.ConsoleWriter{Out: lj, TimeFormat: TimeFormat, NoColor: true},
		})
	}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: TimeFormat})
	}

	mu.Lock()
	defer mu.Unlock()
	if current != nil && current != s {
		close(current.stop)
		current.closeFiles()
	}
	current = s
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Caller().Logger()
}

// levelWriter 只写入本级别；未单独配置文件的级别落到 INFO，未配置的 FATAL 落到 ERROR
type levelWriter struct {
	level zerolog.Level
	mask  uint8
	out   io.Writer
}

func (w *levelWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

func (w *levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	configured := level >= 0 && w.mask&(1<<uint8(level)) != 0
	switch {
	case level == w.level:
		return w.out.Write(p)
	case w.level == zerolog.InfoLevel && !configured:
		return w.out.Write(p)
	case w.level == zerolog.ErrorLevel && level == zerolog.FatalLevel && !configured:
		return w.out.Write(p)
	}
	return len(p), nil
}

func (s *sink) closeFiles() {
	for level, lj := range s.files {
		if err := lj.Close(); err != nil {
			log.Logger.Err(err).Str("level", level).Msg("close log file failed")
		}
	}
	s.files = nil
}

// rotateDaily 每天零点轮转所有文件
func (s *sink) rotateDaily(cfg Config) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		mu.Lock()
		files := s.files
		mu.Unlock()
		for level, lj := range files {
			if err := lj.Rotate(); err != nil {
				log.Logger.Err(err).Str("level", level).Msg("rotate log file failed")
			}
		}
		log.Logger.Info().Str("date", next.Format(DateFormat)).Msg("log files rotated")
	}
}

func parseLevel(name string) zerolog.Level {
	switch name {
	case DEBUG, "DEBUG":
		return zerolog.DebugLevel
	case WARN, "WARN":
		return zerolog.WarnLevel
	case ERROR, "ERROR":
		return zerolog.ErrorLevel
	case FATAL, "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// L 返回全局 logger
func L() zerolog.Logger {
	return log.Logger
}

// Named 返回带 component 字段的子 logger，用于注入各组件
func Named(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

func Info() *zerolog.Event  { return log.Logger.Info() }
func Debug() *zerolog.Event { return log.Logger.Debug() }
func Warn() *zerolog.Event  { return log.Logger.Warn() }
func Error() *zerolog.Event { return log.Logger.Error() }
func Fatal() *zerolog.Event { return log.Logger.Fatal() }

// Err 直接记录错误
func Err(err error) *zerolog.Event {
	return log.Logger.Err(err)
}

// Close 停止轮转并关闭文件
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return
	}
	close(current.stop)
	current.closeFiles()
	current = nil
}
