package htlc

// HTLCABI is the ABI of the HTLC contract. The native-asset variant
// shares it; initiate is payable there and ignores the token.
const HTLCABI = `[
  {"type":"function","name":"initiate","stateMutability":"payable","inputs":[
    {"name":"redeemer","type":"address"},
    {"name":"timelock","type":"uint256"},
    {"name":"amount","type":"uint256"},
    {"name":"secretHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"initiateWithSignature","stateMutability":"nonpayable","inputs":[
    {"name":"initiator","type":"address"},
    {"name":"redeemer","type":"address"},
    {"name":"timelock","type":"uint256"},
    {"name":"amount","type":"uint256"},
    {"name":"secretHash","type":"bytes32"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
    {"name":"orderID","type":"bytes32"},
    {"name":"secret","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"orderID","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"address"}]},
  {"type":"function","name":"eip712Domain","stateMutability":"view","inputs":[],"outputs":[
    {"name":"fields","type":"bytes1"},
    {"name":"name","type":"string"},
    {"name":"version","type":"string"},
    {"name":"chainId","type":"uint256"},
    {"name":"verifyingContract","type":"address"},
    {"name":"salt","type":"bytes32"},
    {"name":"extensions","type":"uint256[]"}]},
  {"type":"event","name":"Initiated","anonymous":false,"inputs":[
    {"name":"orderID","type":"bytes32","indexed":true},
    {"name":"secretHash","type":"bytes32","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Redeemed","anonymous":false,"inputs":[
    {"name":"orderID","type":"bytes32","indexed":true},
    {"name":"secretHash","type":"bytes32","indexed":true},
    {"name":"secret","type":"bytes","indexed":false}]},
  {"type":"event","name":"Refunded","anonymous":false,"inputs":[
    {"name":"orderID","type":"bytes32","indexed":true}]}
]`

// ERC20ABI covers the token calls needed before initiating.
const ERC20ABI = `[
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`
