// Command zbxbridge forwards Zabbix history to a Wavefront proxy.
//
// Usage:
//
//	zbxbridge run          [-config path]
//	zbxbridge validate     [-config path]
//	zbxbridge print-config [-config path]
//	zbxbridge checkpoints  [-config path] [-set stream=timestamp]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
