package psboot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
)

// Helper function names. Every call typed after the bootstrap uses one.
const (
	FnBootAppend = "bf_boot_append"
	FnBootRun    = "bf_boot_run"
	FnPrepareOut = "bf_prepare_out_b64"
	FnTmpReset   = "bf_tmp_reset"
	FnTmpAppend  = "bf_tmp_append"
	FnCommit     = "bf_commit"
	FnFinalize   = "bf_finalize"
)

// LaunchCommand is typed into the run dialog to open the console.
const LaunchCommand = "powershell -NoProfile -ExecutionPolicy Bypass -NoExit"

// BootChunkSize is the number of Base64 characters per bf_boot_append call.
const BootChunkSize = 200

// Function is a PowerShell function with [string] parameters.
type Function struct {
	Name   string
	Params []string
	Body   []string
}

func (f Function) signature(scope string) string {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = "[string]$" + p
	}
	return fmt.Sprintf("function %s%s(%s)", scope, f.Name, strings.Join(params, ","))
}

// Script is a PowerShell program: statements run in order, then function
// definitions.
type Script struct {
	Statements []string
	Functions  []Function
}

// Render serializes the script as one ';'-joined line with functions
// defined in global scope, so they outlive the bf_boot_run call that
// evaluates it.
func (s Script) Render() string {
	parts := append([]string(nil), s.Statements...)
	for _, f := range s.Functions {
		parts = append(parts, f.signature("global:")+"{"+strings.Join(f.Body, ";")+"}")
	}
	return strings.Join(parts, ";")
}

// Lines renders the script one statement per typed line. Function bodies
// span several lines so that each line stays short.
func (s Script) Lines() []string {
	lines := append([]string(nil), s.Statements...)
	for _, f := range s.Functions {
		lines = append(lines, f.signature("")+" {")
		for _, b := range f.Body {
			lines = append(lines, "  "+b)
		}
		lines = append(lines, "}")
	}
	return lines
}

// IsStructural reports whether a launcher line opens or closes a function
// definition. Such lines get the longer command delay.
func IsStructural(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "function ") || t == "}"
}

var tokenUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// Launcher returns the script typed line by line before the helper exists.
// It defines bf_boot_append, which appends a line to the boot buffer, and
// bf_boot_run, which decodes the buffer and evaluates it.
func Launcher(targetDir, token string) Script {
	return Script{
		Statements: []string{
			"$ErrorActionPreference='Stop'",
			"[Console]::InputEncoding=[Text.Encoding]::UTF8",
			"[Console]::OutputEncoding=[Text.Encoding]::UTF8",
			"$global:bf_root=" + Quote(TrimTargetDir(targetDir)),
			"$global:bf_work=(Join-Path $global:bf_root '" + WorkDirName + "')",
			"New-Item -ItemType Directory -Force -Path $global:bf_work | Out-Null",
			"$global:bf_bootPath=(Join-Path $global:bf_work '" + BootFileName(token) + "')",
			"Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_bootPath",
			"[IO.File]::WriteAllText($global:bf_bootPath,'',[Text.Encoding]::ASCII)",
		},
		Functions: []Function{
			{
				Name:   FnBootAppend,
				Params: []string{"c"},
				Body:   []string{"[IO.File]::AppendAllText($global:bf_bootPath,$c,[Text.Encoding]::ASCII)"},
			},
			{
				Name: FnBootRun,
				Body: []string{
					`$e=(Get-Content -Raw -Encoding ASCII $global:bf_bootPath) -replace '\s',''`,
					"Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_bootPath",
					"$s=[Text.Encoding]::Unicode.GetString([Convert]::FromBase64String($e))",
					"iex $s",
				},
			},
		},
	}
}

// HelperOptions parameterize the helper script.
type HelperOptions struct {
	TargetDir string
	TempPath  string
	Policy    OverwritePolicy
	DiagLog   bool
}

// decodeExpr embeds s as a UTF-16LE Base64 literal so that user-supplied
// paths never need quoting.
func decodeExpr(s string) string {
	return "[Text.Encoding]::Unicode.GetString([Convert]::FromBase64String('" + EncodeUTF16Base64(s) + "'))"
}

// Helper returns the helper script evaluated by bf_boot_run.
func Helper(opts HelperOptions) Script {
	policy := opts.Policy
	if policy == "" {
		policy = PolicyFail
	}
	diag := "0"
	if opts.DiagLog {
		diag = "1"
	}
	return Script{
		Statements: []string{
			"$ErrorActionPreference='Stop'",
			"[Console]::InputEncoding=[Text.Encoding]::UTF8",
			"[Console]::OutputEncoding=[Text.Encoding]::UTF8",
			"$global:bf_dir=" + decodeExpr(opts.TargetDir),
			"$global:bf_tmp=" + decodeExpr(opts.TempPath),
			"$global:bf_policy=" + decodeExpr(string(policy)),
			"$global:bf_diag=" + diag,
			"$global:bf_work=(Join-Path $global:bf_dir '" + WorkDirName + "')",
			"New-Item -ItemType Directory -Force -Path $global:bf_dir | Out-Null",
			"New-Item -ItemType Directory -Force -Path $global:bf_work | Out-Null",
			"$global:bf_log=(Join-Path $global:bf_work '" + LogFileName + "')",
			"if($global:bf_diag){Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_log}",
		},
		Functions: []Function{
			{
				Name:   FnPrepareOut,
				Params: []string{"b64"},
				Body: []string{
					"$global:bf_out=[Text.Encoding]::Unicode.GetString([Convert]::FromBase64String($b64))",
					"$p=Split-Path -Parent $global:bf_out",
					"if($p){New-Item -ItemType Directory -Force -Path $p|Out-Null}",
					"if(Test-Path -LiteralPath $global:bf_out){switch($global:bf_policy){" +
						"'overwrite'{Remove-Item -Force -LiteralPath $global:bf_out}" +
						"'backup'{$b=$global:bf_out+'.bak';while(Test-Path -LiteralPath $b){$b+='.bak'};Move-Item -Force -LiteralPath $global:bf_out -Destination $b}" +
						"default{throw('File exists: '+$global:bf_out)}}}",
				},
			},
			{
				Name: FnTmpReset,
				Body: []string{
					"Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_tmp",
					"[IO.File]::WriteAllText($global:bf_tmp,'',[Text.Encoding]::ASCII)",
				},
			},
			{
				Name:   FnTmpAppend,
				Params: []string{"s"},
				Body:   []string{"[IO.File]::AppendAllText($global:bf_tmp,$s,[Text.Encoding]::ASCII)"},
			},
			{
				Name:   FnCommit,
				Params: []string{"expected"},
				Body: []string{
					"try{if(!$global:bf_out){throw('bf_prepare_out_b64 was not called')}" +
						`;$b=(Get-Content -Raw -Encoding ASCII $global:bf_tmp)-replace'\s',''` +
						";[IO.File]::WriteAllBytes($global:bf_out,[Convert]::FromBase64String($b))" +
						";$h=(Get-FileHash -Algorithm SHA256 -LiteralPath $global:bf_out).Hash.ToLower()" +
						";if($h -ne $expected){throw('SHA256 mismatch: '+$global:bf_out)}" +
						";Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_tmp" +
						"}catch{if($global:bf_diag){try{($_|Out-String)|Set-Content -Encoding UTF8 -LiteralPath $global:bf_log}catch{}};throw}",
				},
			},
			{
				Name: FnFinalize,
				Body: []string{
					"try{Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_tmp" +
						";if(Test-Path -LiteralPath $global:bf_log){Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_log}" +
						";if(Test-Path -LiteralPath $global:bf_work){Remove-Item -Force -Recurse -ErrorAction SilentlyContinue $global:bf_work}" +
						"}catch{}",
				},
			},
		},
	}
}

// EncodedHelper renders the helper script and encodes it for bf_boot_append.
func EncodedHelper(opts HelperOptions) string {
	return EncodeUTF16Base64(Helper(opts).Render())
}

// BootChunks splits the encoded helper into bf_boot_append arguments.
func BootChunks(opts HelperOptions) []string {
	return protocol.ChunkString(EncodedHelper(opts), BootChunkSize)
}

var (
	helperVar  = regexp.MustCompile(`\$global:(bf_dir|bf_tmp|bf_policy)=\[Text\.Encoding\]::Unicode\.GetString\(\[Convert\]::FromBase64String\('([A-Za-z0-9+/=]*)'\)\)`)
	helperDiag = regexp.MustCompile(`\$global:bf_diag=(\d)`)
)

// ParseHelper recovers the options embedded in a rendered helper script.
func ParseHelper(script string) (HelperOptions, error) {
	var opts HelperOptions
	found := 0
	for _, m := range helperVar.FindAllStringSubmatch(script, -1) {
		v, err := DecodeUTF16Base64(m[2])
		if err != nil {
			return HelperOptions{}, fmt.Errorf("psboot: helper %s: %w", m[1], err)
		}
		switch m[1] {
		case "bf_dir":
			opts.TargetDir = v
		case "bf_tmp":
			opts.TempPath = v
		case "bf_policy":
			opts.Policy = OverwritePolicy(v)
		}
		found++
	}
	m := helperDiag.FindStringSubmatch(script)
	if found != 3 || m == nil {
		return HelperOptions{}, fmt.Errorf("psboot: not a helper script")
	}
	d, _ := strconv.Atoi(m[1])
	opts.DiagLog = d != 0
	for _, fn := range []string{FnPrepareOut, FnTmpReset, FnTmpAppend, FnCommit, FnFinalize} {
		if !strings.Contains(script, "function global:"+fn+"(") {
			return HelperOptions{}, fmt.Errorf("psboot: helper script lacks %s", fn)
		}
	}
	return opts, nil
}

// Call renders a single-line helper call with quoted arguments.
func Call(fn string, args ...string) string {
	if len(args) == 0 {
		return fn
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return fn + " " + strings.Join(quoted, " ")
}

// ParseCall splits a typed call into its function name and unquoted
// arguments. It reports false for lines that are not a plain call.
func ParseCall(line string) (fn string, args []string, ok bool) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	if name == "" || !strings.HasPrefix(name, "bf_") {
		return "", nil, false
	}
	rest = strings.TrimSpace(rest)
	for rest != "" {
		if rest[0] != '\'' {
			return "", nil, false
		}
		var b strings.Builder
		i := 1
		closed := false
		for i < len(rest) {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				closed = true
				i++
				break
			}
			b.WriteByte(rest[i])
			i++
		}
		if !closed {
			return "", nil, false
		}
		args = append(args, b.String())
		rest = strings.TrimSpace(rest[i:])
	}
	return name, args, true
}

// ReadyLine is the marker echoed once the console accepts input.
func ReadyLine(token string) string {
	return "Write-Host 'BF_READY_" + token + "'"
}

// RemoveWorkDirLine deletes the work directory without the helper. It is
// the cleanup used when a run stops before the bootstrap completed.
func RemoveWorkDirLine(targetDir string) string {
	return "Remove-Item -Force -Recurse -ErrorAction SilentlyContinue " + Quote(WorkDir(targetDir))
}
