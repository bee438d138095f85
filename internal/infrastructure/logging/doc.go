// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every engine component takes a *zap.Logger; For hands out a named child
// per component so entries carry a "component" field.
//
// Example Usage:
//
//	logger, err := logging.New(logging.FromConfig(cfg.Logging))
//	if err != nil {
//		return err
//	}
//	gate.New(installer).WithLogger(logger.For("gate"))
package logging
