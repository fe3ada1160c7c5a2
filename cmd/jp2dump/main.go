package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jpxtools/jp2"
)

func main() {
	app := &cli.App{
		Name:      "jp2dump",
		Usage:     "print the box and codestream structure of JPEG 2000 files",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "codestream",
				Aliases: []string{"c"},
				Usage:   "also print the codestream's marker segments",
			},
			&cli.BoolFlag{
				Name:    "header-only",
				Usage:   "stop codestream parsing at the first tile-part",
			},
			&cli.BoolFlag{
				Name:    "warnings",
				Aliases: []string{"w"},
				Usage:   "print recovered parse warnings after the dump",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log warnings as they are encountered",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.ShowAppHelp(c)
	}
	for _, path := range c.Args().Slice() {
		if c.NArg() > 1 {
			fmt.Printf("== %s ==\n", path)
		}
		if err := dumpFile(c, path); err != nil {
			return err
		}
	}
	return nil
}

func dumpFile(c *cli.Context, path string) error {
	opts := []jp2.Option{}
	if c.Bool("verbose") {
		log := logrus.New()
		log.SetLevel(logrus.WarnLevel)
		opts = append(opts, jp2.WithLogger(log))
	}
	if c.Bool("header-only") {
		opts = append(opts, jp2.WithHeaderOnlyCodestream())
	}

	f, err := jp2.Open(path, opts...)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Dump(os.Stdout, c.Bool("codestream")); err != nil {
		return err
	}
	if c.Bool("warnings") {
		for _, w := range f.Warnings() {
			fmt.Printf("warning: %s\n", w)
		}
	}
	return nil
}
