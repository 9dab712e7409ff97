package types

type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)
