// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command memmoddump inspects a PE file's headers, sections, imports,
// exports and resources without loading it, mirroring pedumper's
// dump/version subcommand shape. Passing --exec switches dump into
// actually loading the image the way memmod would (Windows only) and
// reporting what the loader resolved instead of what static inspection
// sees.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/spf13/cobra"

	"github.com/saferwall/memmod"
)

var (
	execFlag      bool
	sectionsFlag  bool
	importsFlag   bool
	exportsFlag   bool
	resourcesFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "memmoddump",
	Short: "memmoddump inspects, or with --exec loads, PE images the way memmod would",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("memmoddump v0.1.0")
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump [file]",
	Short: "Dump a PE file's headers, sections, imports, exports and resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

func init() {
	dumpCmd.Flags().BoolVar(&execFlag, "exec", false, "load the image (Windows only) and report whether it is a DLL and its resolved entry point instead of statically inspecting it; exports are not listed in this mode")
	dumpCmd.Flags().BoolVar(&sectionsFlag, "sections", false, "include the section table")
	dumpCmd.Flags().BoolVar(&importsFlag, "imports", false, "include imported modules and symbols")
	dumpCmd.Flags().BoolVar(&exportsFlag, "exports", false, "include exported names")
	dumpCmd.Flags().BoolVar(&resourcesFlag, "resources", false, "include the resource directory's TYPE entries")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mapFile(path string) (mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mmap.Map(f, mmap.RDONLY, 0)
}

func runDump(cmd *cobra.Command, args []string) error {
	path := args[0]

	data, err := mapFile(path)
	if err != nil {
		return err
	}
	defer data.Unmap()

	if execFlag {
		return runExec(path, data)
	}
	return runInspect(path, data)
}

type sectionReport struct {
	Name            string `json:"name"`
	VirtualAddress  string `json:"virtual_address"`
	VirtualSize     uint32 `json:"virtual_size"`
	SizeOfRawData   uint32 `json:"size_of_raw_data"`
	Characteristics string `json:"characteristics"`
}

type importReport struct {
	DLL     string   `json:"dll"`
	Symbols []string `json:"symbols"`
}

type inspectReport struct {
	Path          string          `json:"path"`
	IsDLL         bool            `json:"is_dll"`
	Is64          bool            `json:"is64"`
	ImageBase     string          `json:"image_base"`
	EntryPointRVA string          `json:"entry_point_rva,omitempty"`
	SizeOfImage   uint32          `json:"size_of_image"`
	Sections      []sectionReport `json:"sections,omitempty"`
	Imports       []importReport  `json:"imports,omitempty"`
	Exports       []string        `json:"exports,omitempty"`
	ResourceTypes []string        `json:"resource_types,omitempty"`
}

// runInspect is the load-free path dump takes by default: it runs on any
// OS, since memmod.Inspect never touches a MemoryAllocator/ModuleResolver.
func runInspect(path string, data []byte) error {
	info, err := memmod.Inspect(data)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", path, err)
	}

	report := inspectReport{
		Path:        path,
		IsDLL:       info.IsDLL,
		Is64:        info.Is64,
		ImageBase:   fmt.Sprintf("0x%x", info.ImageBase),
		SizeOfImage: info.SizeOfImage,
	}
	if info.EntryPointRVA != 0 {
		report.EntryPointRVA = fmt.Sprintf("0x%x", info.EntryPointRVA)
	}

	wantAll := !sectionsFlag && !importsFlag && !exportsFlag && !resourcesFlag

	if wantAll || sectionsFlag {
		for _, s := range info.Sections {
			report.Sections = append(report.Sections, sectionReport{
				Name:            s.Name,
				VirtualAddress:  fmt.Sprintf("0x%x", s.VirtualAddress),
				VirtualSize:     s.VirtualSize,
				SizeOfRawData:   s.SizeOfRawData,
				Characteristics: fmt.Sprintf("0x%x", s.Characteristics),
			})
		}
	}
	if wantAll || importsFlag {
		for _, im := range info.Imports {
			report.Imports = append(report.Imports, importReport{DLL: im.DLL, Symbols: im.Symbols})
		}
	}
	if wantAll || exportsFlag {
		report.Exports = info.Exports
	}
	if wantAll || resourcesFlag {
		for _, r := range info.Resources {
			if r.Name != "" {
				report.ResourceTypes = append(report.ResourceTypes, r.Name)
			} else {
				report.ResourceTypes = append(report.ResourceTypes, fmt.Sprintf("#%d", r.Type))
			}
		}
	}

	return printJSON(report)
}

type execReport struct {
	Path       string `json:"path"`
	IsDLL      bool   `json:"is_dll"`
	EntryPoint string `json:"entry_point,omitempty"`
}

// runExec is the --exec opt-in: a real memmod.Load, meaningful only on
// Windows since DefaultAllocator/DefaultResolver refuse to run anywhere
// else (callbacks_other.go's unsupportedAllocator/unsupportedResolver).
func runExec(path string, data []byte) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("--exec requires windows: memmod's default allocator and module resolver only run there")
	}

	mod, err := memmod.Load(data)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	defer mod.Free()

	report := execReport{
		Path:  path,
		IsDLL: mod.IsDLL(),
	}
	if ep := mod.EntryPoint(); ep != 0 {
		report.EntryPoint = fmt.Sprintf("0x%x", ep)
	}
	return printJSON(report)
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
