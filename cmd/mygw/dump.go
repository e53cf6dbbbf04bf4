package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jxskiss/gopkg/v2/easy"
	"github.com/jxskiss/gopkg/v2/easy/ezhttp"
	"github.com/jxskiss/gopkg/v2/json"
	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/jxskiss/mcli"
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/mygw/pkg/admin"
)

var dumpTargets = []string{"routes", "clusters", "events", "ready"}

func cmdDump(ctx *mcli.Context) {
	var args struct {
		ConfDir      string `cli:"-c, --conf-dir, configuration directory" default:"./conf"`
		Dev          bool   `cli:"--dev, use development logger"`
		LogLevel     string `cli:"-l, --log-level, override the configured log level"`
		What         string `cli:"#R, what, dump target: routes|clusters|events|ready"`
		Limit        int    `cli:"-n, --limit, number of events to dump" default:"100"`
		AddTimestamp bool   `cli:"-t, --add-timestamp, add timestamp to the output file's name"`
		Output       string `cli:"-o, --output, output file, use .yaml to output YAML instead of JSON, empty writes to stdout"`
	}
	ctx.Parse(&args)
	cfg := readConfig(commonArgs{args.ConfDir, args.Dev, args.LogLevel})

	if !easy.InStrings(dumpTargets, args.What) {
		zlog.Fatalf("unknown dump target %q, want one of %v", args.What, dumpTargets)
	}
	url := fmt.Sprintf("http://%s/%s", adminHost(cfg.AdminAddr), args.What)
	params := map[string]any{}
	if args.What == "events" {
		params["limit"] = args.Limit
	}
	headers := map[string]string{}
	if cfg.AdminSecret != "" {
		token, err := admin.GenerateToken(cfg.AdminSecret, "mygw-dump", time.Minute)
		if err != nil {
			zlog.Fatalf("failed generate admin token: %v", err)
		}
		headers["Authorization"] = "Bearer " + token
	}
	_, jsonResp, _, err := ezhttp.Do(&ezhttp.Request{
		URL:            url,
		Params:         params,
		Headers:        headers,
		RaiseForStatus: args.What != "ready",
	})
	if err != nil {
		zlog.Fatalf("failed query %s: %v", url, err)
	}

	outputYAML := strings.HasSuffix(args.Output, ".yaml") || strings.HasSuffix(args.Output, ".yml")
	fileData := jsonResp
	if outputYAML {
		var dump map[string]any
		if err = json.Unmarshal(jsonResp, &dump); err != nil {
			zlog.Fatalf("failed unmarshal admin response: %v", err)
		}
		if fileData, err = yaml.Marshal(dump); err != nil {
			zlog.Fatalf("failed marshal dump to YAML: %v", err)
		}
	}

	if args.Output == "" {
		_, _ = os.Stdout.Write(fileData)
		return
	}
	outFile := args.Output
	if args.AddTimestamp {
		dir, filename := filepath.Split(outFile)
		outFile = filepath.Join(dir, time.Now().Format("20060102150405_")+filename)
	}
	if err = easy.WriteFile(outFile, fileData, 0644); err != nil {
		zlog.Fatalf("failed write dump: %v", err)
	}
	zlog.Infof("dumped %s to %s", args.What, outFile)
}

// adminHost makes a listen address like ":9901" dialable.
func adminHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

func cmdAdminToken(ctx *mcli.Context) {
	var args struct {
		ConfDir string        `cli:"-c, --conf-dir, configuration directory" default:"./conf"`
		Subject string        `cli:"-s, --subject, token subject" default:"operator"`
		TTL     time.Duration `cli:"--ttl, token lifetime" default:"1h"`
	}
	ctx.Parse(&args)
	cfg := readConfig(commonArgs{ConfDir: args.ConfDir, LogLevel: "warn"})
	token, err := admin.GenerateToken(cfg.AdminSecret, args.Subject, args.TTL)
	if err != nil {
		zlog.Fatalf("failed generate admin token: %v", err)
	}
	fmt.Println(token)
}
