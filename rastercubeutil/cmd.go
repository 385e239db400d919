/*
Copyright © 2024 the Rastercube authors.
This file is part of Rastercube.

Rastercube is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Rastercube is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Rastercube.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package rastercubeutil holds the command-line interface for
// rastercube.
package rastercubeutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spatialmodel/rastercube"
	"github.com/spatialmodel/rastercube/catalog"
	"github.com/spatialmodel/rastercube/cluster"
	"github.com/spatialmodel/rastercube/tilestore"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var logger *logrus.Logger

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	logger = logrus.StandardLogger()
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	// Options are the configuration options available to rastercube.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Catalog.URL",
			usage: `
              Catalog.URL is the catalog search endpoint that asset
              descriptors are retrieved from.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Catalog.Collections",
			usage: `
              Catalog.Collections lists the catalog collections to search.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Catalog.Begin",
			usage: `
              Catalog.Begin restricts the search to assets acquired at or
              after this RFC3339 time, e.g. 2023-06-01T00:00:00Z.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Catalog.End",
			usage: `
              Catalog.End restricts the search to assets acquired at or
              before this RFC3339 time.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Catalog.Bounds",
			usage: `
              Catalog.Bounds is the search region as a rectangle
              [w s e n] in geographic coordinates. It is ignored if
              Catalog.RegionFile is set.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Catalog.RegionFile",
			usage: `
              Catalog.RegionFile is a GeoJSON file holding the search
              region polygon.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Catalog.Filters",
			usage: `
              Catalog.Filters holds attribute filters for the search,
              mapping a property name to an 'op value' pair, e.g.
              {"eo:cloud_cover": "lt 10"}. Valid operators are lt, le,
              gt, ge, eq, and ne.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Catalog.PageSize",
			usage: `
              Catalog.PageSize is the number of results to request per
              catalog page. Zero means the catalog default.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Grid.Proj",
			usage: `
              Grid.Proj is the Proj4 specification of the output grid
              projection.`,
			defaultVal: "+proj=longlat +datum=WGS84",
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Grid.Dx",
			usage: `
              Grid.Dx is the output grid cell length in the x direction,
              in the units of Grid.Proj.`,
			defaultVal: 0.01,
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Grid.Dy",
			usage: `
              Grid.Dy is the output grid cell length in the y direction,
              in the units of Grid.Proj.`,
			defaultVal: 0.01,
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Grid.Bounds",
			usage: `
              Grid.Bounds is the output extent as a rectangle [w s e n]
              in the units of Grid.Proj. If empty, the union of the
              asset footprints is used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Grid.Bands",
			usage: `
              Grid.Bands lists the bands to include in the array. If
              empty, all bands supplied by the assets are included.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Grid.Resampling",
			usage: `
              Grid.Resampling is the method used to map source pixels
              onto grid cells: 'nearest', 'bilinear', or 'average'.`,
			defaultVal: "nearest",
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Grid.OverlapFirst",
			usage: `
              Grid.OverlapFirst keeps the earliest asset where
              same-timestamp footprints overlap, instead of the
              default latest-wins behavior.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Compute.BandExpr",
			usage: `
              Compute.BandExpr maps derived band names to cell-wise
              expressions over the existing bands, e.g.
              {"ndvi": "(nir - red) / (nir + red)"}.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Compute.Coarsen",
			usage: `
              Compute.Coarsen reduces the output resolution by the given
              integer factor. Values below 2 leave the grid unchanged.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Compute.Reduce",
			usage: `
              Compute.Reduce aggregates the array with the given
              operation: 'mean', 'sum', 'max', 'min', or 'count'. If
              empty, no reduction is applied.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Compute.ReduceAxes",
			usage: `
              Compute.ReduceAxes lists the axes to aggregate across:
              any of 'time', 'band', 'y', and 'x'.`,
			defaultVal: []string{"time"},
			flagsets:   []*pflag.FlagSet{buildCmd.Flags(), computeCmd.Flags()},
		},
		{
			name: "Compute.Workers",
			usage: `
              Compute.Workers is the number of chunks processed
              concurrently. Zero means the number of processors.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{computeCmd.Flags(), workerCmd.Flags()},
		},
		{
			name: "Compute.MaxRetries",
			usage: `
              Compute.MaxRetries is the number of times a failed tile
              read is retried before the chunk fails.`,
			defaultVal: 3,
			flagsets:   []*pflag.FlagSet{computeCmd.Flags(), workerCmd.Flags()},
		},
		{
			name: "Compute.ReadTimeout",
			usage: `
              Compute.ReadTimeout limits the duration of each tile read
              attempt, e.g. '2m' or '30s'.`,
			defaultVal: "5m",
			flagsets:   []*pflag.FlagSet{computeCmd.Flags(), workerCmd.Flags()},
		},
		{
			name: "Compute.CacheSize",
			usage: `
              Compute.CacheSize specifies the number of tiles to be held
              in the memory cache. Larger numbers lead to faster
              operation but greater memory use.`,
			defaultVal: 100,
			flagsets:   []*pflag.FlagSet{computeCmd.Flags(), workerCmd.Flags()},
		},
		{
			name: "Compute.ChunkSize",
			usage: `
              Compute.ChunkSize is the spatial chunk edge length in
              cells. Zero sizes chunks to the source tiling.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
		{
			name: "Compute.AllowPartial",
			usage: `
              Compute.AllowPartial fills failed chunks with no-data and
              reports them as warnings instead of aborting the
              computation.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
		{
			name: "Cluster.Nodes",
			usage: `
              Cluster.Nodes lists machines to distribute chunk
              compositing to over RPC. If empty, $PBS_NODEFILE is
              consulted; if that is also empty, chunks are composited
              locally.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
		{
			name: "Cluster.Command",
			usage: `
              Cluster.Command is the shell command that starts a worker
              process on a cluster node.`,
			defaultVal: "rastercube worker",
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
		{
			name: "Cluster.LogDir",
			usage: `
              Cluster.LogDir is the directory that worker log output is
              written to.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
		{
			name: "rpcport",
			usage: `
              rpcport specifies the port to be used for RPC communication
              when using distributed computing.`,
			defaultVal: "6060",
			flagsets:   []*pflag.FlagSet{computeCmd.Flags(), workerCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is the location the computed result is written
              to in NetCDF format. It may be a local path or a gs://,
              s3://, or file:// blob URI.`,
			defaultVal: "result.nc",
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
		{
			name: "Output.Shapefile",
			usage: `
              Output.Shapefile, if set, additionally writes the first
              time slice of the result to the named shapefile.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
		{
			name: "Output.Variables",
			usage: `
              Output.Variables maps shapefile field names to expressions
              over the result bands, e.g. {"ndvi": "(nir - red) / (nir + red)"}.
              If empty, every band is written under its own name.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{computeCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("RASTERCUBE")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(searchCmd)
	Root.AddCommand(buildCmd)
	Root.AddCommand(computeCmd)
	Root.AddCommand(workerCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("rastercube: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "rastercube",
	Short: "A lazy tiled-raster aggregation tool.",
	Long: `Rastercube searches remote tile catalogs, mosaics the matching
tiles onto a regular grid, and computes summary products from them.
Use the subcommands specified below to access the functionality.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'RASTERCUBE_var' where 'var' is the name of the variable to be set.
Refer to https://github.com/spf13/viper for additional configuration
information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of rastercube.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("rastercube v%s\n", rastercube.Version)
	},
	DisableAutoGenTag: true,
}

// searchCmd queries the catalog and prints the matching asset
// descriptors without reading any pixel data.
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the tile catalog.",
	Long: `search queries the catalog configured in Catalog.URL and prints one
line per matching asset: its identifier, acquisition time, collection,
bands, and storage location. No pixel data is read.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := catalog.NewClient(os.ExpandEnv(Cfg.GetString("Catalog.URL")))
		req, err := searchRequest(Cfg)
		if err != nil {
			return err
		}
		results, err := c.Search(context.Background(), req)
		if err != nil {
			return err
		}
		n := 0
		for {
			a, err := results.Next(context.Background())
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			cmd.Printf("%s\t%s\t%s\t%v\t%s\n", a.ID, a.Time.Format(time.RFC3339),
				a.Collection, a.Bands, a.URI)
			n++
		}
		logger.Infof("found %d assets", n)
		return nil
	},
	DisableAutoGenTag: true,
}

// buildCmd assembles the virtual array and reports its layout
// without reading any pixel data.
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a virtual array without computing it.",
	Long: `build searches the catalog, assembles a virtual array over the matching
tiles, and prints its axes and shape. No pixel data is read, so this is a
cheap way to check a configuration before running compute.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c := catalog.NewClient(os.ExpandEnv(Cfg.GetString("Catalog.URL")))
		req, err := searchRequest(Cfg)
		if err != nil {
			return err
		}
		results, err := c.Search(ctx, req)
		if err != nil {
			return err
		}
		assets, err := results.All(ctx)
		if err != nil {
			return err
		}
		logger.Infof("found %d assets", len(assets))
		bc, err := buildConfig(Cfg)
		if err != nil {
			return err
		}
		v, err := bc.Build(assets)
		if err != nil {
			return err
		}
		if v, err = transform(Cfg, v); err != nil {
			return err
		}
		cmd.Printf("shape: %v\n", v.Shape())
		cmd.Printf("times: %s to %s (%d)\n",
			v.Times[0].Format(time.RFC3339),
			v.Times[len(v.Times)-1].Format(time.RFC3339), len(v.Times))
		cmd.Printf("bands: %v\n", v.Bands)
		cmd.Printf("grid: %d×%d cells of %g×%g\n", v.Grid.Ny, v.Grid.Nx, v.Grid.Dx, v.Grid.Dy)
		return nil
	},
	DisableAutoGenTag: true,
}

// computeCmd runs the whole workflow: search, build, compute, save.
var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute a raster product.",
	Long: `compute searches the catalog, builds a virtual array over the matching
tiles, applies the configured transformations, and materializes the result,
writing it to OutputFile in NetCDF format. If Cluster.Nodes or $PBS_NODEFILE
is set, chunk compositing is distributed to the named machines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		c := catalog.NewClient(os.ExpandEnv(Cfg.GetString("Catalog.URL")))
		req, err := searchRequest(Cfg)
		if err != nil {
			return err
		}
		results, err := c.Search(ctx, req)
		if err != nil {
			return err
		}
		assets, err := results.All(ctx)
		if err != nil {
			return err
		}
		logger.Infof("found %d assets", len(assets))

		bc, err := buildConfig(Cfg)
		if err != nil {
			return err
		}
		v, err := bc.Build(assets)
		if err != nil {
			return err
		}
		logger.Infof("built %v array on a %d×%d grid", v.Shape(), v.Grid.Ny, v.Grid.Nx)

		if v, err = transform(Cfg, v); err != nil {
			return err
		}

		e, err := engine(Cfg)
		if err != nil {
			return err
		}
		e.Tiles = &tilestore.NetCDF{}
		remote, shutdown, err := maybeCluster(Cfg)
		if err != nil {
			return err
		}
		if remote != nil {
			e.Remote = remote
			defer shutdown()
		}

		outFile := os.ExpandEnv(Cfg.GetString("OutputFile"))
		result, err := e.Persist(ctx, v.Graph(), outFile)
		if err != nil {
			return err
		}
		for _, w := range result.Warnings {
			logger.Warn(w)
		}
		logger.Infof("wrote %s", outFile)

		if shpFile := os.ExpandEnv(Cfg.GetString("Output.Shapefile")); shpFile != "" {
			vars := getStringMapString("Output.Variables", Cfg)
			if len(vars) == 0 {
				vars = make(map[string]string)
				for _, b := range result.Bands {
					vars[b] = b
				}
			}
			o, err := rastercube.NewOutputter(shpFile, vars, nil)
			if err != nil {
				return err
			}
			if err := o.Output(result, 0); err != nil {
				return err
			}
			logger.Infof("wrote %s", shpFile)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

// maybeCluster starts a worker cluster if Cluster.Nodes or
// $PBS_NODEFILE names any machines; otherwise it returns nil and
// chunks are composited locally.
func maybeCluster(cfg *viper.Viper) (rastercube.RemoteExecutor, func(), error) {
	nodes := cfg.GetStringSlice("Cluster.Nodes")
	if len(nodes) == 0 {
		if pbs, err := cluster.PBSNodes(); err == nil {
			nodes = pbs
		}
	}
	if len(nodes) == 0 {
		return nil, nil, nil
	}
	cl := cluster.NewCluster(
		os.ExpandEnv(cfg.GetString("Cluster.Command")),
		os.ExpandEnv(cfg.GetString("Cluster.LogDir")),
		cfg.GetString("rpcport"),
	)
	for _, n := range nodes {
		if err := cl.NewWorker(n); err != nil {
			return nil, nil, fmt.Errorf("rastercube: starting worker on %s: %v", n, err)
		}
	}
	return cl, cl.Shutdown, nil
}

// workerCmd starts a chunk compositing worker.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a rastercube worker.",
	Long: `worker starts a rastercube worker that listens over RPC for chunk
compositing requests, reads the tiles involved, and returns composited
results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine(Cfg)
		if err != nil {
			return err
		}
		e.Tiles = &tilestore.NetCDF{}
		w := cluster.NewWorker(nil)
		w.Engine = e
		logger.Infof("worker listening on port %s", Cfg.GetString("rpcport"))
		return w.Listen(Cfg.GetString("rpcport"))
	},
	DisableAutoGenTag: true,
}
