//go:build linux

package lockscreen

var platformNames = []string{
	"gnome-screensaver",
	"xscreensaver",
	"light-locker",
	"i3lock",
	"swaylock",
}
