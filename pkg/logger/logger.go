package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with bridge-specific helpers
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// WithFields creates a new logger entry with the specified fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithComponent creates a new logger entry with a component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithRequestID creates a new logger entry scoped to one consent request
func (l *Logger) WithRequestID(requestID uint64) *logrus.Entry {
	return l.Logger.WithField("request_id", requestID)
}

// WithClinic creates a new logger entry with a clinic id field
func (l *Logger) WithClinic(clinicID string) *logrus.Entry {
	return l.Logger.WithField("clinic_id", clinicID)
}

// Transfer logs the outcome of one transfer workflow
func (l *Logger) Transfer(requestID uint64, status string, succeeded, failed int) {
	l.Logger.WithFields(logrus.Fields{
		"transfer":   true,
		"request_id": requestID,
		"status":     status,
		"succeeded":  succeeded,
		"failed":     failed,
	}).Info("Transfer workflow finished")
}

// Security logs security-related events
func (l *Logger) Security(event, subject string, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"security": true,
		"event":    event,
		"subject":  subject,
		"details":  details,
	}).Warn("Security event")
}

// Ledger logs ledger interaction events
func (l *Logger) Ledger(operation string, requestID uint64, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"ledger":     true,
		"operation":  operation,
		"request_id": requestID,
		"success":    success,
		"details":    details,
	})

	if success {
		entry.Info("Ledger operation completed")
	} else {
		entry.Error("Ledger operation failed")
	}
}

// HTTPRequest logs one gateway request
func (l *Logger) HTTPRequest(method, path, clientIP string, statusCode int, durationMS int64) {
	entry := l.Logger.WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  durationMS,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}
