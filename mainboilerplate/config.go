package mainboilerplate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// Version and BuildDate are populated at build time via -ldflags -X.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// ConfigPrefixes returns directories which are searched, in order, for an
// INI file of application configuration:
//   - The current working directory.
//   - ~/.config/fsjournal (under the users's $HOME or %UserProfile% directory).
//   - $FSJOURNAL_CONFIG_ROOT, if set.
func ConfigPrefixes() []string {
	var prefixes = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "fsjournal"),
		filepath.Join(os.Getenv("UserProfile"), ".config", "fsjournal"),
	}
	if root := os.Getenv("FSJOURNAL_CONFIG_ROOT"); root != "" {
		prefixes = append(prefixes, root)
	}
	return prefixes
}

// ParseConfig parses |args| into the Parser from the combination of the
// first INI file matching |configName| within |prefixes|, configured
// environment bindings, and explicit flags. Flags take precedence.
func ParseConfig(parser *flags.Parser, configName string, prefixes []string, args []string) error {
	// Allow unknown options while parsing an INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, prefix := range prefixes {
		var path = filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			parser.Options = origOptions
			return err
		}
	}

	// Restore original options for parsing argument flags.
	parser.Options = origOptions
	_, err := parser.ParseArgs(args)
	return err
}

// MustParseConfig requires that the Parser parse os.Args from the
// combination of an optional INI file, environment, and flags.
func MustParseConfig(parser *flags.Parser, configName string) {
	var err = ParseConfig(parser, configName, ConfigPrefixes(), os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		// An error of the INI file, or of an executed command. go-flags has
		// already printed the latter if PrintErrors is set.
		log.WithField("err", err).Fatal("fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// These error types indicate a problem in the configuration object
		// |parser| was asked to parse (eg, a developer error rather than input error).
		panic(err)

	case flags.ErrCommandRequired:
		// Extend go-flag's "Please specify one command of: ... " output with the full usage.
		writeUsage(parser, os.Stderr)
		os.Exit(1)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			writeUsage(parser, os.Stderr)
		}
		os.Exit(1)

	default:
		// Other error types indicate a problem of input. Generally, `go-flags`
		// already prints a helpful message and we can simply exit.
		os.Exit(1)
	}
}

func writeUsage(parser *flags.Parser, w io.Writer) {
	_, _ = io.WriteString(w, "\n")
	parser.WriteHelp(w)
	fmt.Fprintf(w, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd to the Parser. The "print-config" command helps users test
// whether their applications are correctly configured, by exporting all runtime
// configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, err := parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser: parser, w: os.Stdout})
	Must(err, "failed to add print-config command")
}

type printConfig struct {
	parser *flags.Parser
	w      io.Writer
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.parser)
	ini.Write(p.w, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
