package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagDevice     string
	flagCount      int
	flagOutput     string
	flagForce      bool
	flagFPSCurrent bool
	flagFPSAverage bool
	flagWidth      int
	flagHeight     int
	flagPixFmt     string
	flagFrameRate  int
	flagRead       bool
	flagStages     string
	flagConfig     string
	flagPreview    string
	flagZeroCopy   bool
	flagInspect    bool
	flagLog        string
	flagHelp       bool
	flagVersion    bool
)

func init() {
	flag.StringVarP(&flagDevice, "device", "d", "/dev/video0", "Capture source")
	flag.IntVarP(&flagCount, "count", "c", 100, "Number of frames to grab")
	flag.StringVarP(&flagOutput, "output", "o", "-", "Write output to file")
	flag.Lookup("output").NoOptDefVal = "-"
	flag.BoolVarP(&flagForce, "format", "f", false, "Force capture format")
	flag.BoolVarP(&flagFPSCurrent, "fps-cur", "p", false, "Print current frame rate")
	flag.BoolVarP(&flagFPSAverage, "fps-avg", "a", false, "Print average frame rate")
	flag.IntVarP(&flagWidth, "width", "x", 640, "Capture width")
	flag.IntVarP(&flagHeight, "height", "y", 480, "Capture height")
	flag.StringVarP(&flagPixFmt, "img-fmt", "i", "yuv420", "Capture pixel format")
	flag.IntVarP(&flagFrameRate, "fps", "", 0, "Capture frame rate")
	flag.BoolVarP(&flagRead, "read", "r", false, "Use read() calls")
	flag.StringVarP(&flagStages, "stages", "", "video_copy", "Stage chain")
	flag.StringVarP(&flagConfig, "config", "", "", "YAML configuration file")
	flag.StringVarP(&flagPreview, "preview", "", "", "Websocket preview address")
	flag.BoolVarP(&flagZeroCopy, "zero-copy", "", false, "Swap buffers across links")
	flag.BoolVarP(&flagInspect, "inspect", "", false, "Log H.264 stream structure")
	flag.StringVarP(&flagLog, "log", "", "", "Log levels")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Capture video and push it through a chain of codec stages

Usage: ilpipe [OPTION]...

Capture:
  -d, --device=SPEC      Capture source: a V4L2 device node, or
                         v4l2:DEV[,hflip][,vflip][,buffers=N],
                         testcard:[FMT], file:FILE.mjpeg, mp4:FILE.mp4
                         (default: /dev/video0)
  -x, --width=NUM        Capture width (default: 640)
  -y, --height=NUM       Capture height (default: 480)
  -i, --img-fmt=FMT      Pixel format: yuv420, yuyv, mjpeg, h264 (default: yuv420)
      --fps=NUM          Capture frame rate, where the source paces itself
  -f, --format           Force the capture format onto the device
  -r, --read             Use read() calls instead of memory mapped buffers
  -c, --count=NUM        Number of frames to grab (default: 100)

Pipeline:
      --stages=LIST      Comma-separated stages, each NAME[=WxH][:PARAM=NUM]...
                         Components: image_decode, image_encode, resize,
                         video_copy (default: video_copy)
      --zero-copy        Swap buffers across links instead of copying
      --config=FILE      Read settings from a YAML file; flags override it

Output:
  -o, --output[=FILE]    Write output to FILE, - for standard output, null to
                         discard it (default: -)
      --preview=ADDR     Serve a live preview over a websocket on ADDR
      --inspect          Log the H.264 structure of the output
  -p, --fps-cur          Print current frame rate
  -a, --fps-avg          Print average frame rate

Miscellaneous:
      --log=LEVELS       Log levels, e.g. info or pipeline=debug,omx=trace
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//  _  _         _
	// (_)| | _ __  (_) _ __    ___
	// | || || '_ \ | || '_ \  / _ \
	// | || || |_) || || |_) ||  __/
	// |_||_|| .__/ |_|| .__/  \___|
	//       |_|       |_|

	// Line 1
	r.Printf(" _ ")
	y.Printf(" _ ")
	b.Printf("     ")
	r.Printf("   _ ")
	y.Printf("     ")
	b.Println("      ")

	// Line 2
	r.Printf("(_)")
	y.Printf("| |")
	b.Printf(" _ __ ")
	r.Printf(" (_)")
	y.Printf(" _ __ ")
	b.Println("   ___ ")

	// Line 3
	r.Printf("| |")
	y.Printf("| |")
	b.Printf("| '_ \\ ")
	r.Printf("| |")
	y.Printf("| '_ \\ ")
	b.Println(" / _ \\")

	// Line 4
	r.Printf("| |")
	y.Printf("| |")
	b.Printf("| |_) |")
	r.Printf("| |")
	y.Printf("| |_) |")
	b.Println("|  __/")

	// Line 5
	r.Printf("|_|")
	y.Printf("|_|")
	b.Printf("| .__/ ")
	r.Printf("|_|")
	y.Printf("| .__/ ")
	b.Println(" \\___|")

	// Line 6
	r.Printf("   ")
	y.Printf("   ")
	b.Printf("|_|    ")
	r.Printf("   ")
	y.Println("|_|")

	fmt.Println(helpString)
}
