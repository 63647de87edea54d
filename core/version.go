package core

import (
	"fmt"

	"github.com/fatih/color"
)

const VERSION = "1.0.0"

func Banner() {
	hiblue := color.New(color.FgHiBlue)
	white := color.New(color.FgHiWhite)
	fmt.Fprintf(color.Output, "\n %s %s\n\n", hiblue.Sprint("mdserver"), white.Sprint(VERSION))
}
