/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

// Observer receives call events for rendering. Methods are called from
// controller goroutines and must not block.
type Observer interface {
	OnStatus(status Status)
	OnHold()
	OnPeerHold()
	OnPeerResume()
	OnPeerBusy()
	OnPeerReject()
	OnPeerCancel()
	OnPeerUnavailable()
	OnPeerEnded()
	OnCallFailed(reason Reason)
}

// NopObserver implements Observer with no-ops. Embed it to handle a subset.
type NopObserver struct{}

func (NopObserver) OnStatus(Status)     {}
func (NopObserver) OnHold()             {}
func (NopObserver) OnPeerHold()         {}
func (NopObserver) OnPeerResume()       {}
func (NopObserver) OnPeerBusy()         {}
func (NopObserver) OnPeerReject()       {}
func (NopObserver) OnPeerCancel()       {}
func (NopObserver) OnPeerUnavailable()  {}
func (NopObserver) OnPeerEnded()        {}
func (NopObserver) OnCallFailed(Reason) {}
