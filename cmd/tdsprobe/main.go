// Command tdsprobe dials a TDS server, runs the handshake, issues one query,
// and prints the result set — a small end-to-end exercise of the engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ha1tch/tdsgo/internal/tlog"
	"github.com/ha1tch/tdsgo/tds"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tdsprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		host       = fs.String("host", "localhost", "Server host")
		port       = fs.Int("port", 1433, "Server port")
		user       = fs.String("user", "sa", "SQL login username")
		password   = fs.String("password", "", "SQL login password")
		database   = fs.String("database", "", "Initial database")
		query      = fs.String("query", "SELECT 1 AS n", "Query to run")
		encryption = fs.String("encryption", "on", "Encryption mode: off, on, required")
		logLevel   = fs.String("log-level", "warn", "Log level: debug, info, warn, error, off")
		timeout    = fs.Duration("timeout", 15*time.Second, "Connect timeout")
		showVer    = fs.Bool("version", false, "Print version and exit")
	)

	fs.Usage = func() { printUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVer {
		fmt.Fprintln(stdout, "tdsprobe (tdsgo engine probe)")
		return 0
	}

	lvl, err := tlog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	logger := tlog.New(tlog.Config{DefaultLevel: lvl, Output: stderr, Format: tlog.FormatText})
	defer logger.Close()

	enc, err := parseEncryption(*encryption)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := tds.Connect(ctx, fmt.Sprintf("%s:%d", *host, *port),
		tds.WithCredentials(*user, *password),
		tds.WithDatabase(*database),
		tds.WithEncryption(enc),
		tds.WithLogger(logger),
		tds.WithDialTimeout(*timeout),
	)
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	defer conn.Close()

	fmt.Fprintf(stdout, "connected: server version %s, TDS interface 0x%02X\n",
		tds.VersionString(conn.ServerVersion()), uint8(conn.LoginAck().Interface))

	sess, err := conn.Query(ctx, *query)
	if err != nil {
		fmt.Fprintf(stderr, "query failed: %v\n", err)
		return 1
	}

	if err := printResults(stdout, ctx, sess); err != nil {
		fmt.Fprintf(stderr, "error reading results: %v\n", err)
		return 1
	}
	return 0
}

func parseEncryption(s string) (uint8, error) {
	switch s {
	case "off":
		return tds.EncryptOff, nil
	case "on":
		return tds.EncryptOn, nil
	case "required", "req":
		return tds.EncryptReq, nil
	default:
		return 0, fmt.Errorf("unknown encryption mode %q", s)
	}
}

// printResults prints the rows of the request's first result set. Session.Next
// stops at every result-set boundary and this loop ends at the first one, so
// rows of any later result sets (reachable through Session.NextResultSet) are
// not printed.
func printResults(w io.Writer, ctx context.Context, sess *tds.Session) error {
	printedHeader := false
	rowCount := 0
	for {
		more, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
		row := sess.Row()
		if row == nil {
			continue
		}
		if !printedHeader {
			printHeader(w, sess.Columns())
			printedHeader = true
		}
		printRow(w, row)
		rowCount++
	}
	if printedHeader {
		fmt.Fprintf(w, "(%d row(s))\n", rowCount)
	} else if n := sess.RowsAffected(); n > 0 {
		fmt.Fprintf(w, "(%d row(s) affected)\n", n)
	}
	for _, m := range sess.Messages() {
		fmt.Fprintf(w, "%s %d: %s\n", severityLabel(m.IsError), m.Number, m.Text)
	}
	if rs, ok := sess.ReturnStatus(); ok {
		fmt.Fprintf(w, "return status: %d\n", rs)
	}
	return nil
}

func severityLabel(isError bool) string {
	if isError {
		return "error"
	}
	return "info"
}

func printHeader(w io.Writer, cols []tds.Column) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c.Name)
	}
	fmt.Fprintln(w)
}

func printRow(w io.Writer, row []any) {
	for i, v := range row {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, formatValue(v))
	}
	fmt.Fprintln(w)
}

// formatValue renders a decoded column value for display, converting the
// engine's wire-framing Numeric into a shopspring/decimal.Decimal for exact
// fixed-point formatting — this is the one place in the module that owns
// presentation of DECIMAL/NUMERIC values, left out of the core tds package
// on purpose.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case tds.Numeric:
		unscaled := val.Unscaled
		if unscaled == nil {
			unscaled = big.NewInt(0)
		}
		return decimal.NewFromBigInt(unscaled, -int32(val.Scale)).String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tdsprobe - exercises the tdsgo TDS client engine end to end

Usage:
  tdsprobe -host <host> -port <port> -user <user> -password <pw> [options]

Options:
  -host <host>          Server host (default: localhost)
  -port <port>          Server port (default: 1433)
  -user <user>          SQL login username (default: sa)
  -password <pw>        SQL login password
  -database <name>      Initial database
  -query <sql>          Query to run (default: SELECT 1 AS n)
  -encryption <mode>    off, on, required (default: on)
  -log-level <level>    debug, info, warn, error, off (default: warn)
  -timeout <dur>        Connect timeout (default: 15s)
  -version              Print version and exit

Examples:
  tdsprobe -host db.internal -user sa -password secret -query "SELECT name FROM sys.tables"
`)
}
