package logger

const (
	DEBUG = "debug"
	INFO  = "info"
	WARN  = "warn"
	ERROR = "error"
	FATAL = "fatal"
)

// LevelFileEntry 单个级别对应的日志文件
type LevelFileEntry struct {
	Level string
	Path  string
}

// LevelFiles 分级文件配置
type LevelFiles []LevelFileEntry

func (lf LevelFiles) IsEmpty() bool {
	return len(lf) == 0
}

// GetPath 获取指定级别的文件路径
func (lf LevelFiles) GetPath(level string) (string, bool) {
	for _, e := range lf {
		if e.Level == level {
			return e.Path, true
		}
	}
	return "", false
}

func (lf LevelFiles) HasLevel(level string) bool {
	_, ok := lf.GetPath(level)
	return ok
}

func (lf LevelFiles) GetPaths() []string {
	paths := make([]string, 0, len(lf))
	for _, e := range lf {
		paths = append(paths, e.Path)
	}
	return paths
}

type Config struct {
	LevelFiles LevelFiles // 为空时只写 logs/info.log
	MaxSize    int        // 单文件大小上限（MB）
	MaxBackups int
	MaxAge     int // 天
	Level      string
	Compress   bool
	Console    bool
}

// DefaultConfig err.log + info.log 两个文件
func DefaultConfig() Config {
	return Config{
		LevelFiles: LevelFiles{
			{Level: ERROR, Path: "logs/err.log"},
			{Level: INFO, Path: "logs/info.log"},
		},
		MaxSize:    20,
		MaxBackups: 60,
		MaxAge:     14,
		Level:      INFO,
	}
}

type Builder struct {
	config    Config
	filesSeen bool
}

func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) SetMaxSize(size int) *Builder {
	b.config.MaxSize = size
	return b
}

func (b *Builder) SetMaxBackups(backups int) *Builder {
	b.config.MaxBackups = backups
	return b
}

func (b *Builder) SetMaxAge(days int) *Builder {
	b.config.MaxAge = days
	return b
}

func (b *Builder) SetLevel(level string) *Builder {
	b.config.Level = level
	return b
}

func (b *Builder) EnableCompression(enable bool) *Builder {
	b.config.Compress = enable
	return b
}

func (b *Builder) EnableConsoleOutput(enable bool) *Builder {
	b.config.Console = enable
	return b
}

// AddLevelFile 第一次调用时替换默认文件列表
func (b *Builder) AddLevelFile(level, path string) *Builder {
	if !b.filesSeen {
		b.config.LevelFiles = nil
		b.filesSeen = true
	}
	b.config.LevelFiles = append(b.config.LevelFiles, LevelFileEntry{Level: level, Path: path})
	return b
}

// SetLevelFiles 整体设置分级文件
func (b *Builder) SetLevelFiles(files LevelFiles) *Builder {
	b.config.LevelFiles = files
	b.filesSeen = true
	return b
}

func (b *Builder) Build() error {
	return initLogger(b.config)
}
