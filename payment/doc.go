/*
Package payment is an abstract for working with all kind of addresses in the Bitcoin network.

It can be used for the creation of p2pkh, p2ms, p2sh, non-native SegWit, native SegWit and Taproot addresses.

*/
package payment
