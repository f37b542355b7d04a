// Package config loads the apwatch HCL configuration.
//
// Every field is optional; Load fills unset values from Default so that an
// empty file describes the stock hotspot layout (192.168.0.0/16 behind
// wlan0-style interfaces, ports 53/80/443, iptables FORWARD chain).
package config
