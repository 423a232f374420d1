package service

import (
	"github.com/DavidBell625/Yolo-Training/internal/logger"
)

// ServiceBase carries the name, logger, status and event bus shared by services.
// Embed it and implement Start and Stop.
type ServiceBase struct {
	name     string
	logger   *logger.Logger
	status   *ServiceStatus
	eventBus *EventBus
}

// NewServiceBase creates a new service base
func NewServiceBase(name string, log *logger.Logger) *ServiceBase {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ServiceBase{
		name:   name,
		logger: log.WithFields("service", name),
		status: NewServiceStatus(name),
	}
}

// Name returns the service name
func (b *ServiceBase) Name() string {
	return b.name
}

// SetEventBus sets the event bus for the service
func (b *ServiceBase) SetEventBus(bus *EventBus) {
	b.eventBus = bus
}

// GetEventBus returns the event bus, nil when the service is not registered
func (b *ServiceBase) GetEventBus() *EventBus {
	return b.eventBus
}

// GetStatus returns the status tracker
func (b *ServiceBase) GetStatus() *ServiceStatus {
	return b.status
}

// Logger returns the service scoped logger
func (b *ServiceBase) Logger() *logger.Logger {
	return b.logger
}

// PublishEvent publishes to the event bus when one is attached
func (b *ServiceBase) PublishEvent(eventType EventType, data map[string]interface{}) {
	if b.eventBus == nil {
		return
	}
	b.eventBus.Publish(Event{
		Type:   eventType,
		Source: b.name,
		Data:   data,
	})
}

func (b *ServiceBase) LogInfo(msg string, fields ...interface{}) {
	b.logger.Info(msg, fields...)
}

func (b *ServiceBase) LogWarn(msg string, fields ...interface{}) {
	b.logger.Warn(msg, fields...)
}

func (b *ServiceBase) LogDebug(msg string, fields ...interface{}) {
	b.logger.Debug(msg, fields...)
}

// LogError logs msg with err attached under the "error" key
func (b *ServiceBase) LogError(msg string, err error, fields ...interface{}) {
	b.logger.Error(msg, append([]interface{}{"error", err}, fields...)...)
}
