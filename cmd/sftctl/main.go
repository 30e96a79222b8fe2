package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/sftgate/internal/common"
	"example.com/sftgate/internal/report"
	"example.com/sftgate/internal/rules"
	"example.com/sftgate/internal/sfdb"
	"example.com/sftgate/internal/sft"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "scan":
		scanCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "band":
		bandCmd(os.Args[2:])
	case "merge":
		mergeCmd(os.Args[2:])
	case "import-sfdb":
		importSFDBCmd(os.Args[2:])
	case "timestamps":
		timestampsCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "rulepack":
		rulepackCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`sftctl %s (built %s) <command> [options]

Commands:
  scan        --pattern <glob[;glob|list:file]> [--detector <X1>] [--min-gps <t>] [--max-gps <t>] [--timestamps <file>] [--crc] [--metrics] [--progress]
  validate    --pattern <glob> [--rules <rulepack.json> | --rulepack-id <id> [--rulepack-version <version>]] [--profile <profile>] --out <diagnostics.ndjson> --acceptance <acceptance.json> [--pdf <report.pdf>]
  band        --pattern <glob> --fmin <Hz> --fmax <Hz> [--detector <X1>] --out-dir <dir> [--misc <desc>] [--comment <text>]
  merge       --pattern <glob> [--detector <X1>] --out-dir <dir> [--misc <desc>] [--comment <text>]
  import-sfdb --pattern <glob> --fmin <Hz> --fmax <Hz> [--start-timestamps <glob> --end-timestamps <glob>] --out-dir <dir> [--misc <desc>]
  timestamps  --file <timestamps> [--min-gps <t>] [--max-gps <t>]
  report      --acceptance <acceptance.json> [--pdf <report.pdf>] [--qr <digest.png>]
  rulepack    <install|list|remove|set-default> [...]
`, version, buildDate)
}

func parseGPSFlag(name, value string) *sft.GPS {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	gps, err := sft.ParseEpoch(value)
	if err != nil {
		fmt.Printf("%s: %v\n", name, err)
		os.Exit(1)
	}
	return &gps
}

func buildConstraints(detector, minGps, maxGps, timestampsPath string) *sft.Constraints {
	c := &sft.Constraints{
		Detector: strings.TrimSpace(detector),
		MinGPS:   parseGPSFlag("--min-gps", minGps),
		MaxGPS:   parseGPSFlag("--max-gps", maxGps),
	}
	if strings.TrimSpace(timestampsPath) != "" {
		ts, err := sft.ReadTimestampsFileConstrained(timestampsPath, c.MinGPS, c.MaxGPS)
		if err != nil {
			fmt.Println("read timestamps:", err)
			os.Exit(1)
		}
		c.Timestamps = ts
	}
	if c.Detector == "" && c.MinGPS == nil && c.MaxGPS == nil && c.Timestamps == nil {
		return nil
	}
	return c
}

func scanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	pattern := fs.String("pattern", "", "file pattern (globs, ';' separated, list: indirection)")
	detector := fs.String("detector", "", "detector constraint (e.g. H1)")
	minGps := fs.String("min-gps", "", "minimum GPS epoch (inclusive)")
	maxGps := fs.String("max-gps", "", "maximum GPS epoch (exclusive)")
	tsPath := fs.String("timestamps", "", "timestamps file constraint")
	crcFlag := fs.Bool("crc", false, "verify the checksum of every block")
	metricsFlag := fs.Bool("metrics", false, "print scan throughput metrics")
	progressFlag := fs.Bool("progress", false, "display scan progress updates")
	fs.Parse(args)

	if *pattern == "" {
		fmt.Println("required: --pattern")
		os.Exit(1)
	}
	constr := buildConstraints(*detector, *minGps, *maxGps, *tsPath)

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		if files, err := sft.FindFiles(*pattern); err == nil {
			var total int64
			for _, f := range files {
				if info, err := os.Stat(f); err == nil {
					total += info.Size()
				}
			}
			metrics.SetTotalBytes(total)
		}
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}

	cat, err := sft.FindSFTs(*pattern, constr)
	if err != nil {
		if stopProgress != nil {
			stopProgress()
		}
		fmt.Println("scan:", err)
		os.Exit(1)
	}

	crcFailures := 0
	if *crcFlag {
		for i := range cat.Descriptors {
			one := &sft.Catalog{Descriptors: cat.Descriptors[i : i+1]}
			ok, err := sft.CheckCRC(one)
			if err != nil {
				fmt.Println("crc:", err)
				os.Exit(1)
			}
			if !ok {
				crcFailures++
				if metrics != nil {
					metrics.IncCRCFailure()
				}
			}
		}
	}
	if metrics != nil {
		for i := range cat.Descriptors {
			d := &cat.Descriptors[i]
			metrics.AddBlock(int64(d.NumBins) * 8)
		}
		metrics.Stop()
	}
	if stopProgress != nil {
		stopProgress()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tDETECTOR\tEPOCH\tF0\tDELTAF\tBINS")
	for i := range cat.Descriptors {
		d := &cat.Descriptors[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%d\n",
			d.Path(), d.Header.Detector, d.Header.Epoch, d.Header.F0, d.Header.DeltaF, d.NumBins)
	}
	w.Flush()
	fmt.Printf("%d blocks, %d epochs\n", cat.Len(), cat.NumEpochs())
	if *crcFlag {
		fmt.Printf("CRC failures: %d\n", crcFailures)
	}
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		throughputBps := snap.ThroughputBytesPerSecond()
		fmt.Printf("Metrics: duration=%s blocks=%d crcFailures=%d processed=%s throughput=%.2f MB/s\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Blocks,
			snap.CRCFailures,
			common.FormatBytes(snap.Bytes),
			throughputBps/1_000_000,
		)
	}
	if *crcFlag && crcFailures > 0 {
		os.Exit(1)
	}
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	pattern := fs.String("pattern", "", "file pattern")
	detector := fs.String("detector", "", "detector constraint")
	minGps := fs.String("min-gps", "", "minimum GPS epoch (inclusive)")
	maxGps := fs.String("max-gps", "", "maximum GPS epoch (exclusive)")
	profile := fs.String("profile", "sft-v2", "profile")
	rulesPath := fs.String("rules", "", "rulepack.json")
	rulePackID := fs.String("rulepack-id", "", "installed rule pack identifier")
	rulePackVersion := fs.String("rulepack-version", "", "installed rule pack version")
	outDiag := fs.String("out", "diagnostics.ndjson", "diagnostics output")
	outAcc := fs.String("acceptance", "acceptance_report.json", "acceptance json")
	outPDF := fs.String("pdf", "", "acceptance PDF output")
	fs.Parse(args)

	if *pattern == "" {
		fmt.Println("required: --pattern")
		os.Exit(1)
	}
	if *rulesPath != "" && *rulePackID != "" {
		fmt.Println("--rules and --rulepack-id cannot be used together")
		os.Exit(1)
	}
	if *rulePackVersion != "" && *rulePackID == "" {
		fmt.Println("--rulepack-version requires --rulepack-id")
		os.Exit(1)
	}

	rp, source, err := rules.ResolveRulePack(rules.RulePackRequest{
		Path:       *rulesPath,
		RulePackId: *rulePackID,
		Version:    *rulePackVersion,
		Profile:    *profile,
	})
	if err != nil {
		fmt.Println("resolve rulepack:", err)
		os.Exit(1)
	}
	if source.FromRepository {
		fmt.Printf("Using rule pack %s@%s (profile %s)\n", source.RulePackId, source.Version, rp.Profile)
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()

	ctx := &rules.Context{
		Pattern:     *pattern,
		Constraints: buildConstraints(*detector, *minGps, *maxGps, ""),
	}
	diags, err := engine.Eval(ctx)
	if err != nil {
		fmt.Println("eval:", err)
		os.Exit(1)
	}

	if err := engine.WriteDiagnosticsNDJSON(*outDiag); err != nil {
		fmt.Println("write diags:", err)
		os.Exit(1)
	}
	rep := engine.MakeAcceptance()
	if err := report.SaveAcceptanceJSON(rep, *outAcc); err != nil {
		fmt.Println("write report:", err)
		os.Exit(1)
	}
	if *outPDF != "" {
		if err := report.SaveAcceptancePDF(rep, *outPDF); err != nil {
			fmt.Println("write pdf:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("PASS=%v, errors=%d, warnings=%d, diagnostics=%d\n",
		rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings, len(diags))
	if !rep.Summary.Pass {
		os.Exit(1)
	}
}

func bandCmd(args []string) {
	fs := flag.NewFlagSet("band", flag.ExitOnError)
	pattern := fs.String("pattern", "", "file pattern")
	detector := fs.String("detector", "", "detector constraint")
	fMin := fs.Float64("fmin", -1, "lower band edge in Hz (-1 = lowest available)")
	fMax := fs.Float64("fmax", -1, "upper band edge in Hz (-1 = highest available)")
	outDir := fs.String("out-dir", ".", "output directory")
	misc := fs.String("misc", "NBAND", "description field for output names")
	comment := fs.String("comment", "", "comment stored in output headers")
	fs.Parse(args)

	if *pattern == "" {
		fmt.Println("required: --pattern")
		os.Exit(1)
	}
	extract(*pattern, buildConstraints(*detector, "", "", ""), *fMin, *fMax, *outDir, *comment, *misc)
}

func mergeCmd(args []string) {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	pattern := fs.String("pattern", "", "file pattern")
	detector := fs.String("detector", "", "detector constraint")
	outDir := fs.String("out-dir", ".", "output directory")
	misc := fs.String("misc", "", "description field for output names")
	comment := fs.String("comment", "", "comment stored in output headers")
	fs.Parse(args)

	if *pattern == "" {
		fmt.Println("required: --pattern")
		os.Exit(1)
	}
	extract(*pattern, buildConstraints(*detector, "", "", ""), -1, -1, *outDir, *comment, *misc)
}

// extract loads the requested band for every detector in the catalog and
// writes one merged file per detector.
func extract(pattern string, constr *sft.Constraints, fMin, fMax float64, outDir, comment, misc string) {
	cat, err := sft.FindSFTs(pattern, constr)
	if err != nil {
		fmt.Println("scan:", err)
		os.Exit(1)
	}
	mv, err := sft.LoadMultiBand(sft.ByDetector(cat), fMin, fMax)
	if err != nil {
		var gap *sft.GapOverlapError
		if errors.As(err, &gap) {
			fmt.Println("load:", gap)
		} else {
			fmt.Println("load:", err)
		}
		os.Exit(1)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Println("create out-dir:", err)
		os.Exit(1)
	}
	for _, v := range mv.Vectors {
		if len(v.SFTs) == 0 {
			continue
		}
		path, err := sft.WriteVectorFile(v, outDir, comment, misc)
		if err != nil {
			fmt.Println("write:", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s (%d blocks)\n", path, len(v.SFTs))
	}
}

func importSFDBCmd(args []string) {
	fs := flag.NewFlagSet("import-sfdb", flag.ExitOnError)
	pattern := fs.String("pattern", "", "SFDB file pattern")
	fMin := fs.Float64("fmin", 0, "lower band edge in Hz")
	fMax := fs.Float64("fmax", 0, "upper band edge in Hz")
	startTS := fs.String("start-timestamps", "", "science segment start timestamp files")
	endTS := fs.String("end-timestamps", "", "science segment end timestamp files")
	outDir := fs.String("out-dir", ".", "output directory")
	misc := fs.String("misc", "SFDB", "description field for output names")
	fs.Parse(args)

	if *pattern == "" {
		fmt.Println("required: --pattern")
		os.Exit(1)
	}
	mv, err := sfdb.Import(*pattern, sfdb.Options{
		FMin:            *fMin,
		FMax:            *fMax,
		StartTimestamps: *startTS,
		EndTimestamps:   *endTS,
	})
	if err != nil {
		fmt.Println("import:", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Println("create out-dir:", err)
		os.Exit(1)
	}
	for _, v := range mv.Vectors {
		if len(v.SFTs) == 0 {
			continue
		}
		if err := sft.WriteVectorToDir(v, *outDir, "", *misc); err != nil {
			fmt.Println("write:", err)
			os.Exit(1)
		}
		fmt.Printf("Imported %d blocks for %s\n", len(v.SFTs), v.SFTs[0].Header.Detector)
	}
}

func timestampsCmd(args []string) {
	fs := flag.NewFlagSet("timestamps", flag.ExitOnError)
	file := fs.String("file", "", "timestamps file")
	minGps := fs.String("min-gps", "", "minimum GPS epoch (inclusive)")
	maxGps := fs.String("max-gps", "", "maximum GPS epoch (exclusive)")
	fs.Parse(args)

	if *file == "" {
		fmt.Println("required: --file")
		os.Exit(1)
	}
	ts, err := sft.ReadTimestampsFileConstrained(*file,
		parseGPSFlag("--min-gps", *minGps), parseGPSFlag("--max-gps", *maxGps))
	if err != nil {
		fmt.Println("read timestamps:", err)
		os.Exit(1)
	}
	fmt.Printf("%d timestamps\n", len(ts))
	if len(ts) > 0 {
		fmt.Printf("first=%s last=%s\n", ts[0], ts[len(ts)-1])
	}
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	accPath := fs.String("acceptance", "", "acceptance_report.json")
	pdfPath := fs.String("pdf", "", "output acceptance report PDF")
	qrPath := fs.String("qr", "", "output PNG with the QR-encoded report digest")
	fs.Parse(args)

	if *accPath == "" {
		fmt.Println("required: --acceptance")
		os.Exit(1)
	}
	rep, err := report.LoadAcceptanceJSON(*accPath)
	if err != nil {
		fmt.Println("load acceptance:", err)
		os.Exit(1)
	}
	if *pdfPath != "" {
		if err := report.SaveAcceptancePDF(rep, *pdfPath); err != nil {
			fmt.Println("write pdf:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote PDF:", *pdfPath)
	}
	if *qrPath != "" {
		hash, _, err := common.Sha256OfFile(*accPath)
		if err != nil {
			fmt.Println("hash acceptance:", err)
			os.Exit(1)
		}
		png, err := report.DatasetHashToQR(hash, 256)
		if err != nil {
			fmt.Println("encode qr:", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*qrPath, png, 0o644); err != nil {
			fmt.Println("write qr:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote QR:", *qrPath)
	}
	fmt.Printf("PASS=%v, errors=%d, warnings=%d\n",
		rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings)
}

func rulepackCmd(args []string) {
	if len(args) == 0 {
		rulepackUsage()
		os.Exit(1)
	}
	sub := args[0]
	switch sub {
	case "install":
		rulepackInstallCmd(args[1:])
	case "list":
		rulepackListCmd(args[1:])
	case "remove":
		rulepackRemoveCmd(args[1:])
	case "set-default":
		rulepackSetDefaultCmd(args[1:])
	default:
		fmt.Println("unknown rulepack subcommand")
		rulepackUsage()
		os.Exit(1)
	}
}

func rulepackUsage() {
	fmt.Println("rulepack commands:")
	fmt.Println("  install --file <package.rpkg.zip>")
	fmt.Println("  list")
	fmt.Println("  remove --id <rulepack> --version <version>")
	fmt.Println("  set-default --profile <profile> --id <rulepack> --version <version>")
}

func rulepackInstallCmd(args []string) {
	fs := flag.NewFlagSet("rulepack install", flag.ExitOnError)
	file := fs.String("file", "", "path to .rpkg.zip package")
	fs.Parse(args)

	if *file == "" {
		fmt.Println("required: --file")
		os.Exit(1)
	}
	repo, err := rules.DefaultRepository()
	if err != nil {
		fmt.Println("open repository:", err)
		os.Exit(1)
	}
	installed, err := repo.InstallPackage(*file)
	if err != nil {
		fmt.Println("install rule pack:", err)
		os.Exit(1)
	}
	fmt.Printf("Installed %s@%s (profile %s)\n",
		installed.RulePack.RulePackId, installed.RulePack.Version, installed.RulePack.Profile)
}

func rulepackListCmd(args []string) {
	fs := flag.NewFlagSet("rulepack list", flag.ExitOnError)
	fs.Parse(args)
	repo, err := rules.DefaultRepository()
	if err != nil {
		fmt.Println("open repository:", err)
		os.Exit(1)
	}
	entries, err := repo.ListInstalled()
	if err != nil {
		fmt.Println("list rule packs:", err)
		os.Exit(1)
	}
	defaults, err := repo.Defaults()
	if err != nil {
		fmt.Println("load defaults:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No rule packs installed")
		return
	}
	byKey := make(map[string][]string)
	for profile, ref := range defaults {
		key := ref.RulePackId + "@" + ref.Version
		byKey[key] = append(byKey[key], profile)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tPROFILE\tDEFAULT FOR")
	for _, entry := range entries {
		key := entry.RulePack.RulePackId + "@" + entry.RulePack.Version
		profiles := byKey[key]
		sort.Strings(profiles)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.RulePack.RulePackId,
			entry.RulePack.Version,
			entry.RulePack.Profile,
			strings.Join(profiles, ","),
		)
	}
	w.Flush()
}

func rulepackRemoveCmd(args []string) {
	fs := flag.NewFlagSet("rulepack remove", flag.ExitOnError)
	id := fs.String("id", "", "rule pack identifier")
	version := fs.String("version", "", "rule pack version")
	fs.Parse(args)

	if *id == "" || *version == "" {
		fmt.Println("required: --id, --version")
		os.Exit(1)
	}
	repo, err := rules.DefaultRepository()
	if err != nil {
		fmt.Println("open repository:", err)
		os.Exit(1)
	}
	if err := repo.Remove(*id, *version); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("rule pack not found")
		} else {
			fmt.Println("remove rule pack:", err)
		}
		os.Exit(1)
	}
	fmt.Printf("Removed %s@%s\n", *id, *version)
}

func rulepackSetDefaultCmd(args []string) {
	fs := flag.NewFlagSet("rulepack set-default", flag.ExitOnError)
	profile := fs.String("profile", "", "profile name")
	id := fs.String("id", "", "rule pack identifier")
	version := fs.String("version", "", "rule pack version")
	fs.Parse(args)

	if *profile == "" || *id == "" || *version == "" {
		fmt.Println("required: --profile, --id, --version")
		os.Exit(1)
	}
	repo, err := rules.DefaultRepository()
	if err != nil {
		fmt.Println("open repository:", err)
		os.Exit(1)
	}
	rp, _, err := repo.Load(*id, *version)
	if err != nil {
		fmt.Println("load rule pack:", err)
		os.Exit(1)
	}
	if rp.Profile != "" && rp.Profile != *profile {
		fmt.Printf("Warning: rule pack profile is %s\n", rp.Profile)
	}
	if err := repo.SetDefaultForProfile(*profile, rules.RulePackRef{RulePackId: *id, Version: *version}); err != nil {
		fmt.Println("set default:", err)
		os.Exit(1)
	}
	fmt.Printf("Default for profile %s set to %s@%s\n", *profile, *id, *version)
}
