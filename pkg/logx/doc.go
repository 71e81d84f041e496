// Package logx is famsched's logging layer on top of zerolog.
//
// Components receive a Logger and derive child loggers with With. The
// Service behind them writes to the console, an optional JSON file and an
// optional operator chat, and can be reconfigured while running.
package logx
