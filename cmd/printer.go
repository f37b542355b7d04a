package cmd

import "grimm.is/apwatch/internal/i18n"

// Printer is the global message printer for the CLI.
var Printer = i18n.NewCLIPrinter()
