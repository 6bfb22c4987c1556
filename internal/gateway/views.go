// ABOUTME: Converts store models into the client-facing wire views.

package gateway

import (
	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/store"
	"github.com/lnvend/vend-gateway/internal/wire"
)

func deviceView(dev *store.Device) wire.DeviceView {
	return wire.DeviceView{
		Name:         identity.Device{Owner: dev.Owner, DeviceID: dev.DeviceID}.Key(),
		DisplayName:  dev.DisplayName,
		Inventory:    inventoryView(dev.Inventory),
		NullCommands: dev.NullCommands,
		BoolCommands: dev.BoolCommands,
	}
}

func unclaimedView(ud *store.UnclaimedDevice) wire.UnclaimedDeviceView {
	return wire.UnclaimedDeviceView{
		Name:      identity.Unclaimed{ID: ud.ID}.Key(),
		SetupCode: ud.SetupCode,
	}
}

func claimedState(dev *store.Device) wire.DeviceState {
	v := deviceView(dev)
	return wire.DeviceState{Device: &v}
}

func unclaimedState(ud *store.UnclaimedDevice) wire.DeviceState {
	v := unclaimedView(ud)
	return wire.DeviceState{Unclaimed: &v}
}

func inventoryView(items []store.InventoryItem) []wire.InventoryItem {
	out := make([]wire.InventoryItem, len(items))
	for i, item := range items {
		out[i] = wire.InventoryItem(item)
	}
	return out
}

func inventoryModel(items []wire.InventoryItem) []store.InventoryItem {
	out := make([]store.InventoryItem, len(items))
	for i, item := range items {
		out[i] = store.InventoryItem(item)
	}
	return out
}
