package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "tick selector (optional)")
	limit := fs.Int("limit", 20, "result limit")
	peer := fs.Int("peer", 0, "peer id filter (transitions)")
	kind := fs.String("kind", "", "kind filter (transitions)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -session or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "sessions", *sessionID, "index", "session.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,peers,records,held FROM snapshots ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick    int64  `json:"tick"`
				Path    string `json:"path"`
				Peers   int    `json:"peers"`
				Records int    `json:"records"`
				Held    int    `json:"held"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.Peers, &r.Records, &r.Held); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "meta":
		rows, err := db.Query(`SELECT key,value FROM meta ORDER BY key`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for rows.Next() {
			var r struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			}
			if err := rows.Scan(&r.Key, &r.Value); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}
		rows.Close()

		crows, err := db.Query(`SELECT name,digest,updated_at FROM config ORDER BY name`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer crows.Close()
		for crows.Next() {
			var r struct {
				Name      string `json:"config"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := crows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := crows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "ticks":
		if *tick != 0 {
			var r struct {
				Tick    uint64          `json:"tick"`
				Digest  string          `json:"digest"`
				Joins   int             `json:"joins"`
				Leaves  int             `json:"leaves"`
				Inbound int             `json:"inbound"`
				Raw     json.RawMessage `json:"raw_json"`
			}
			var raw string
			row := db.QueryRow(`SELECT digest,joins,leaves,inbound,raw_json FROM ticks WHERE tick=?`, int64(*tick))
			if err := row.Scan(&r.Digest, &r.Joins, &r.Leaves, &r.Inbound, &raw); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.Tick = *tick
			r.Raw = json.RawMessage(raw)
			printJSON(r)
			return
		}
		rows, err := db.Query(`SELECT tick,digest,joins,leaves,inbound FROM ticks ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick    int64  `json:"tick"`
				Digest  string `json:"digest"`
				Joins   int    `json:"joins"`
				Leaves  int    `json:"leaves"`
				Inbound int    `json:"inbound"`
			}
			if err := rows.Scan(&r.Tick, &r.Digest, &r.Joins, &r.Leaves, &r.Inbound); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "inbound":
		if *tick == 0 {
			lt, err := latestTick(db)
			if err != nil {
				fmt.Fprintln(os.Stderr, "latest tick:", err)
				os.Exit(1)
			}
			if lt == 0 {
				fmt.Fprintln(os.Stderr, "no ticks indexed")
				os.Exit(2)
			}
			*tick = lt
		}
		rows, err := db.Query(`SELECT seq,peer,raw_json FROM inbound WHERE tick=? ORDER BY seq`, int64(*tick))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick uint64          `json:"tick"`
				Seq  int             `json:"seq"`
				Peer int             `json:"peer"`
				Raw  json.RawMessage `json:"raw_json"`
			}
			var raw string
			if err := rows.Scan(&r.Seq, &r.Peer, &raw); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.Tick = *tick
			r.Raw = json.RawMessage(raw)
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "transitions":
		where := "1=1"
		qargs := make([]any, 0, 4)
		if *tick != 0 {
			where += " AND tick=?"
			qargs = append(qargs, int64(*tick))
		}
		if *peer != 0 {
			where += " AND peer=?"
			qargs = append(qargs, *peer)
		}
		if k := strings.TrimSpace(*kind); k != "" {
			where += " AND kind=?"
			qargs = append(qargs, k)
		}
		qargs = append(qargs, *limit)
		rows, err := db.Query(`SELECT tick,seq,kind,peer,prop_key,code,detail FROM transitions WHERE `+where+` ORDER BY tick DESC,seq DESC LIMIT ?`, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick    int64  `json:"tick"`
				Seq     int    `json:"seq"`
				Kind    string `json:"kind"`
				Peer    int    `json:"peer"`
				PropKey string `json:"prop_key,omitempty"`
				Code    string `json:"code,omitempty"`
				Detail  string `json:"detail,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Kind, &r.Peer, &r.PropKey, &r.Code, &r.Detail); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "archives":
		rows, err := db.Query(`SELECT end_tick,path,recorded_at FROM archives ORDER BY end_tick DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				EndTick    int64  `json:"end_tick"`
				Path       string `json:"path"`
				RecordedAt string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.EndTick, &r.Path, &r.RecordedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-session ID|-db PATH] [-tick T] [-peer N] [-kind K] [-limit N] snapshots|meta|ticks|inbound|transitions|archives")
		os.Exit(2)
	}
}

func latestTick(db *sql.DB) (uint64, error) {
	if db == nil {
		return 0, fmt.Errorf("nil db")
	}
	var t int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(tick),0) FROM ticks`).Scan(&t); err != nil {
		return 0, err
	}
	if t < 0 {
		return 0, nil
	}
	return uint64(t), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
