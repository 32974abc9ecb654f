package discovery

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

// serviceType is the mDNS service name the Hub advertises and SECONDARY
// devices browse for, supplementing the default UDP broadcast strategy
// (discovery.strategy = "mdns" or "both").
const serviceType = "_titan-pos._tcp"

// MDNSAdvertiser registers this device's Hub as an mDNS service while it
// is PRIMARY. Stopping it withdraws the advertisement.
type MDNSAdvertiser struct {
	log    *slog.Logger
	server *mdns.Server
}

// Advertise registers wsPort under serviceType, annotated with the election
// term and priority in its TXT record so browsers can tie-break.
func Advertise(log *slog.Logger, deviceID, storeID string, wsPort, priority int, term uint64) (*MDNSAdvertiser, error) {
	info := []string{
		"store_id=" + storeID,
		"priority=" + strconv.Itoa(priority),
		"term=" + strconv.FormatUint(term, 10),
	}
	service, err := mdns.NewMDNSService(deviceID, serviceType, "", "", wsPort, nil, info)
	if err != nil {
		return nil, fmt.Errorf("discovery: build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}
	return &MDNSAdvertiser{log: log.With("component", "discovery-mdns"), server: server}, nil
}

// Shutdown withdraws the mDNS advertisement.
func (a *MDNSAdvertiser) Shutdown() error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Browse performs one mDNS lookup for storeID's Hub, returning announcements
// translated into the same Announce shape the UDP path produces so callers
// can tie-break them identically.
func Browse(storeID, selfDeviceID string, timeout time.Duration) ([]Announce, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	done := make(chan error, 1)
	go func() {
		err := mdns.Query(params)
		close(entries)
		done <- err
	}()

	var found []Announce
	for entry := range entries {
		a := Announce{
			DeviceID: entry.Name,
			WSPort:   uint16(entry.Port),
		}
		for _, field := range entry.InfoFields {
			switch {
			case len(field) > len("store_id=") && field[:9] == "store_id=":
				a.StoreID = field[9:]
			case len(field) > len("priority=") && field[:9] == "priority=":
				if p, err := strconv.Atoi(field[9:]); err == nil {
					a.Priority = p
				}
			case len(field) > len("term=") && field[:5] == "term=":
				if t, err := strconv.ParseUint(field[5:], 10, 64); err == nil {
					a.ElectionTerm = t
				}
			}
		}
		if a.StoreID != storeID || a.DeviceID == selfDeviceID {
			continue
		}
		found = append(found, a)
	}
	if err := <-done; err != nil {
		return found, fmt.Errorf("discovery: mdns query: %w", err)
	}

	sortAnnouncesByPriority(found)
	return found, nil
}

func sortAnnouncesByPriority(a []Announce) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0; j-- {
			if a[j].Priority > a[j-1].Priority ||
				(a[j].Priority == a[j-1].Priority && a[j].DeviceID < a[j-1].DeviceID) {
				a[j], a[j-1] = a[j-1], a[j]
			} else {
				break
			}
		}
	}
}
