package mainboilerplate

import "github.com/jessevdk/go-flags"

// AddCommandFunc registers a sub-command with a parent.
type AddCommandFunc func(*flags.Command) error

// CommandRegistry builds a tree of go-flags commands, allowing sub-commands
// to register themselves with a parent from init() functions. Parent names
// separate nested commands with dots, and the root is "".
type CommandRegistry map[string][]AddCommandFunc

// NewCommandRegistry returns an empty CommandRegistry.
func NewCommandRegistry() CommandRegistry { return make(CommandRegistry) }

// AddCommand registers |command| under |parentName|, with |data| as its
// flags and go-flags Commander.
func (cr CommandRegistry) AddCommand(parentName, command, short, long string, data interface{}) {
	cr[parentName] = append(cr[parentName], func(cmd *flags.Command) error {
		_, err := cmd.AddCommand(command, short, long, data)
		return err
	})
}

// AddCommands adds commands registered under |rootName| to |rootCmd|, and
// recursively adds their registered sub-commands.
func (cr CommandRegistry) AddCommands(rootName string, rootCmd *flags.Command) error {
	for _, fn := range cr[rootName] {
		if err := fn(rootCmd); err != nil {
			return err
		}
	}
	for _, cmd := range rootCmd.Commands() {
		var name = cmd.Name
		if rootName != "" {
			name = rootName + "." + name
		}
		if err := cr.AddCommands(name, cmd); err != nil {
			return err
		}
	}
	return nil
}
