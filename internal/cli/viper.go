package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP   interface{} // pointer to the destination
	Flag    string
	Default interface{}
	Desc    string
}

// NewOpt creates a new command line option.
func NewOpt(destP interface{}, flag string, dflt interface{}, desc string) Opt {
	return Opt{
		DestP:   destP,
		Flag:    flag,
		Default: dflt,
		Desc:    desc,
	}
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute with the positional arguments.
	Run func(args []string) error
	// Name is the name of the program in help usage.
	Name string
	// EnvPrefix prefixes every environment variable. It defaults to the
	// upper-case program name with dashes replaced by underscores.
	EnvPrefix string
	// Args validates the positional arguments. Nil accepts none.
	Args cobra.PositionalArgs
	// Usage is the one-line usage shown in help, without the program name.
	Usage string
	// NumericArgs makes negative numbers positional arguments rather than
	// shorthand flags, unless they are the value of a preceding flag.
	NumericArgs bool
	// Opts are the command line/env var options to the program
	Opts []Opt
}

func (p *Program) envPrefix() string {
	if p.EnvPrefix != "" {
		return p.EnvPrefix
	}
	return strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
}

// NewCommand creates a new cobra command to be executed that respects env vars
// and an optional config file named by <PREFIX>_CONFIG_PATH.
//
// Precedence is flag, env var, config file, default.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	args := p.Args
	if args == nil {
		args = cobra.NoArgs
	}
	use := p.Name
	if p.Usage != "" {
		use += " " + p.Usage
	}
	cmd := &cobra.Command{
		Use:           use,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return p.Run(args)
		},
	}

	if p.NumericArgs {
		cmd.DisableFlagParsing = true
		cmd.Args = cobra.ArbitraryArgs
		cmd.RunE = func(cmd *cobra.Command, raw []string) error {
			flagArgs, positional := splitArgs(cmd.Flags(), raw)
			if err := cmd.Flags().Parse(flagArgs); err != nil {
				return err
			}
			if help, _ := cmd.Flags().GetBool("help"); help {
				return cmd.Help()
			}
			if err := args(cmd, positional); err != nil {
				return err
			}
			return p.Run(positional)
		}
	}

	prefix := p.envPrefix()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if path := os.Getenv(prefix + "_CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// BindOptions adds opts to the specified command and automatically
// registers those options with viper.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	for _, o := range opts {
		flags := cmd.Flags()
		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, cmd)
			*destP = v.GetString(o.Flag)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, cmd)
			*destP = v.GetInt(o.Flag)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, cmd)
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, cmd)
			*destP = v.GetDuration(o.Flag)
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			LevelVar(flags, destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, cmd)
			if s := v.GetString(o.Flag); s != "" {
				if err := destP.Set(s); err != nil {
					return fmt.Errorf("invalid value %q for %s: %w", s, o.Flag, err)
				}
			}
		default:
			// if you get a panic here, sorry about that!
			// anyway, go ahead and add another type.
			panic(fmt.Errorf("unknown destination type %T", o.DestP))
		}
	}
	return nil
}

func mustBindPFlag(v *viper.Viper, key string, cmd *cobra.Command) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
		panic(err)
	}
}

// splitArgs separates flags and their values from positional arguments.
// Anything that parses as a number is positional unless a flag expecting a
// value precedes it.
func splitArgs(fs *pflag.FlagSet, args []string) (flags, positional []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return flags, append(positional, args[i+1:]...)
		case isNumber(a), len(a) < 2 || a[0] != '-':
			positional = append(positional, a)
		default:
			flags = append(flags, a)
			if takesValue(fs, a) && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		}
	}
	return flags, positional
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// takesValue reports whether the flag a is separate from its value.
func takesValue(fs *pflag.FlagSet, a string) bool {
	if strings.Contains(a, "=") {
		return false
	}
	var f *pflag.Flag
	if strings.HasPrefix(a, "--") {
		f = fs.Lookup(a[2:])
	} else if len(a) == 2 {
		f = fs.ShorthandLookup(a[1:])
	}
	return f != nil && f.NoOptDefVal == ""
}
