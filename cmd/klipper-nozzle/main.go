// klipper-nozzle hosts the live nozzle swap printer objects: per-extruder
// nozzle limits that can be changed at runtime with CHANGE_NOZZLE, persisted
// across restarts and reported in extruder status.
//
// Usage:
//
//	klipper-nozzle serve -c ~/printer_data/config/printer.cfg
//	klipper-nozzle change -c printer.cfg --extruder extruder1 --nozzle-diameter 0.6
//	klipper-nozzle status -c printer.cfg
//	klipper-nozzle variables -c printer.cfg
package main

func main() {
	Execute()
}
